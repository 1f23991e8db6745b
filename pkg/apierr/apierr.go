// Package apierr writes client-facing errors in the single-field JSON
// envelope the inbound protocol uses: {"error": "<message>"}.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

type envelope struct {
	Error string `json:"error"`
}

// Write writes the error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message})
	ctx.SetBody(body)
}

// WritePassthrough relays an upstream reply verbatim: same status, same
// body, same content type.
func WritePassthrough(ctx *fasthttp.RequestCtx, status int, contentType string, body []byte) {
	ctx.SetStatusCode(status)
	if contentType == "" {
		contentType = "application/json"
	}
	ctx.SetContentType(contentType)
	ctx.SetBody(body)
}

// WriteTimeout writes a 504 for an upstream call that exceeded its
// deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out")
}

// WriteModelNotFound writes the 404 shape clients expect for an unknown
// model.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, fmt.Sprintf("model not found: %s", model))
}

// WriteInternal writes the 500 fallback.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "internal server error"
	}
	Write(ctx, fasthttp.StatusInternalServerError, message)
}

// WriteBadRequest writes a 400 for an unreadable request body.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message)
}
