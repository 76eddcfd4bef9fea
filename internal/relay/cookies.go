package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chromedp/cdproto/network"
)

// Cookie commands arrive at browser scope, but the extension's per-tab
// debugger only exposes the Network domain. Each Storage.* command is
// rewritten into Network.* equivalents executed against the
// earliest-attached live session.

// pickRewriteSession returns the session rewrites run against, or answers
// the client with -32000 when no page is attached.
func (rt *Router) pickRewriteSession(c *Client, f *Frame) (string, bool) {
	sessionID, ok := rt.reg.EarliestSession()
	if !ok {
		rt.respondError(c, f, NewCDPError(CodeServerError,
			"no page session available for %s", f.Method))
		return "", false
	}
	return sessionID, true
}

// extOrFail resolves the current extension link, answering the client with
// -32001 when none is open.
func (rt *Router) extOrFail(c *Client, f *Frame) (*ExtLink, bool) {
	ext := rt.relay.extLink()
	if ext == nil {
		rt.respondError(c, f, NewCDPError(CodeExtensionGone, "extension not connected"))
		return nil, false
	}
	return ext, true
}

func (rt *Router) rewriteGetCookies(c *Client, f *Frame) {
	sessionID, ok := rt.pickRewriteSession(c, f)
	if !ok {
		return
	}
	ext, ok := rt.extOrFail(c, f)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		// Network.getCookies with no urls returns the session's cookies in
		// the same {cookies} shape Storage.getCookies promises.
		result, err := ext.RequestCDP(ctx, sessionID, "Network.getCookies", struct{}{})
		if err != nil {
			rt.respondError(c, f, rewriteError(err))
			return
		}
		rt.respond(c, f, result)
	}()
}

func (rt *Router) rewriteSetCookies(c *Client, f *Frame) {
	var params struct {
		Cookies json.RawMessage `json:"cookies"`
	}
	if f.Params != nil {
		_ = json.Unmarshal(f.Params, &params)
	}
	if params.Cookies == nil {
		rt.respondError(c, f, NewCDPError(CodeInvalidParams, "cookies required"))
		return
	}

	sessionID, ok := rt.pickRewriteSession(c, f)
	if !ok {
		return
	}
	ext, ok := rt.extOrFail(c, f)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		// browserContextId is stripped: the extension's page session has no
		// browser context scope.
		_, err := ext.RequestCDP(ctx, sessionID, "Network.setCookies", map[string]json.RawMessage{
			"cookies": params.Cookies,
		})
		if err != nil {
			rt.respondError(c, f, rewriteError(err))
			return
		}
		rt.respond(c, f, nil)
	}()
}

// rewriteClearCookies fetches the cookie set, then deletes each cookie by
// (name, domain, path, partitionKey). The steps appear atomic to the client:
// one reply. Sub-step failures are tolerated; the first error surfaces only
// when not a single deletion succeeded.
func (rt *Router) rewriteClearCookies(c *Client, f *Frame) {
	sessionID, ok := rt.pickRewriteSession(c, f)
	if !ok {
		return
	}
	ext, ok := rt.extOrFail(c, f)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		raw, err := ext.RequestCDP(ctx, sessionID, "Network.getCookies", struct{}{})
		if err != nil {
			rt.respondError(c, f, rewriteError(err))
			return
		}
		var listing network.GetCookiesReturns
		if err := json.Unmarshal(raw, &listing); err != nil {
			rt.respondError(c, f, NewCDPError(CodeServerError, "decode cookies: %v", err))
			return
		}
		if len(listing.Cookies) == 0 {
			rt.respond(c, f, nil)
			return
		}

		var firstErr error
		deleted := 0
		for _, cookie := range listing.Cookies {
			del := &network.DeleteCookiesParams{
				Name:         cookie.Name,
				Domain:       cookie.Domain,
				Path:         cookie.Path,
				PartitionKey: cookie.PartitionKey,
			}
			if _, err := ext.RequestCDP(ctx, sessionID, "Network.deleteCookies", del); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			deleted++
		}
		if deleted == 0 && firstErr != nil {
			rt.respondError(c, f, rewriteError(firstErr))
			return
		}
		rt.respond(c, f, nil)
	}()
}

// rewriteError maps a sub-step failure onto the wire: CDP errors pass
// through, link loss becomes -32001, anything else -32000.
func rewriteError(err error) *CDPError {
	var cdpErr *CDPError
	if errors.As(err, &cdpErr) {
		return cdpErr
	}
	if errors.Is(err, ErrExtensionDisconnected) {
		return NewCDPError(CodeExtensionGone, "extension disconnected")
	}
	return NewCDPError(CodeServerError, "%v", err)
}
