// Package router turns transport updates into handler calls: slash
// commands, prefix commands like /confirm_alice, inline-button callbacks
// and a fallback for plain text.
package router

import (
	"context"
	"time"

	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Name is the command word without the slash, e.g. "free".
	Name        string
	Aliases     []string
	Description string
	// Hidden commands are routed but left out of the platform menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// PrefixRoute matches commands of the form /<prefix><value>; the value is
// passed as Request.Payload.
type PrefixRoute struct {
	Prefix  string
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackRoute matches callback data "<scope>:<action>[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Routes struct {
	Commands  []Command
	Prefixes  []PrefixRoute
	Callbacks []CallbackRoute
	// Fallback gets plain text and unknown commands.
	Fallback HandlerFunc
}

type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	FromID int64
	// User is the sender's normalized username; empty when they have none.
	User    string
	Text    string
	Command string
	Args    []string
	Payload string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{DisablePreview: true}
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// CallbackID is the callback query id, or "" for message updates.
func (r *Request) CallbackID() string {
	if r.Update.Callback == nil {
		return ""
	}
	return r.Update.Callback.ID
}
