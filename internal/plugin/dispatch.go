package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"lotwatch/internal/market"
)

type activePlugin struct {
	uuid string
	ext  Extension
}

// active returns the enabled, successfully loaded plugins in load order.
func (r *Registry) active() []activePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]activePlugin, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Enabled && rec.Loaded() {
			out = append(out, activePlugin{uuid: id, ext: rec.ext})
		}
	}
	return out
}

// fanOut runs every call concurrently and waits for all of them. Errors and
// panics are logged and counted per plugin, never returned.
func (r *Registry) fanOut(hook string, calls []hookCall) {
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c hookCall) {
			defer wg.Done()
			if err := r.isolate(c.run); err != nil {
				r.hookFailed(c.uuid, hook, err)
			}
		}(c)
	}
	wg.Wait()
}

type hookCall struct {
	uuid string
	run  func() error
}

func (r *Registry) isolate(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func (r *Registry) hookFailed(uuid, hook string, err error) {
	r.logger.Error("plugin hook failed", "plugin", uuid, "hook", hook, "error", err)
	if r.metrics != nil {
		r.metrics.PluginHookFailures.WithLabelValues(uuid, hook).Inc()
	}
}

// DispatchInit runs the start-up hook of every active plugin.
func (r *Registry) DispatchInit(ctx context.Context, pc *Context) {
	var calls []hookCall
	for _, p := range r.active() {
		starter, ok := p.ext.(Initializer)
		if !ok {
			continue
		}
		calls = append(calls, hookCall{uuid: p.uuid, run: func() error { return starter.OnInit(ctx, pc) }})
	}
	r.fanOut("init", calls)
}

// OnOrderCreated passes a newly created order to every order hook.
func (r *Registry) OnOrderCreated(ctx context.Context, order market.Order, pc *Context) {
	var calls []hookCall
	for _, p := range r.active() {
		hp, ok := p.ext.(HookProvider)
		if !ok {
			continue
		}
		for _, h := range hp.OrderHooks() {
			calls = append(calls, hookCall{uuid: p.uuid, run: func() error { return h(ctx, order, pc) }})
		}
	}
	r.fanOut("order_created", calls)
}

// OnChatMessage passes a novel chat message to every message hook.
func (r *Registry) OnChatMessage(ctx context.Context, msg ChatMessage, pc *Context) {
	var calls []hookCall
	for _, p := range r.active() {
		hp, ok := p.ext.(HookProvider)
		if !ok {
			continue
		}
		for _, h := range hp.MessageHooks() {
			calls = append(calls, hookCall{uuid: p.uuid, run: func() error { return h(ctx, msg, pc) }})
		}
	}
	r.fanOut("chat_message", calls)
}

// OnCommand runs the handler registered for inv.Command. handled is false when
// no active plugin owns the command.
func (r *Registry) OnCommand(ctx context.Context, inv Invocation, pc *Context) (reply string, handled bool, err error) {
	name := normalizeCommand(inv.Command)
	r.mu.RLock()
	oc, ok := r.commands[name]
	if ok {
		rec := r.records[oc.owner]
		ok = rec != nil && rec.Enabled && rec.Loaded()
	}
	r.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	inv.Command = name
	err = r.isolate(func() error {
		var herr error
		reply, herr = oc.cmd.Handler(ctx, inv, pc)
		return herr
	})
	if err != nil {
		r.hookFailed(oc.owner, "command", err)
		return "", true, fmt.Errorf("command %s: %w", name, err)
	}
	return reply, true, nil
}

// OnCallback passes an operator callback to every callback handler.
func (r *Registry) OnCallback(ctx context.Context, cb Callback, pc *Context) {
	var calls []hookCall
	for _, p := range r.active() {
		h, ok := p.ext.(CallbackHandler)
		if !ok {
			continue
		}
		calls = append(calls, hookCall{uuid: p.uuid, run: func() error { return h.HandleCallback(ctx, cb, pc) }})
	}
	r.fanOut("callback", calls)
}

// OnMessage passes a free-form operator message to every message handler.
func (r *Registry) OnMessage(ctx context.Context, msg Inbound, pc *Context) {
	var calls []hookCall
	for _, p := range r.active() {
		h, ok := p.ext.(MessageHandler)
		if !ok {
			continue
		}
		calls = append(calls, hookCall{uuid: p.uuid, run: func() error { return h.HandleMessage(ctx, msg, pc) }})
	}
	r.fanOut("message", calls)
}

// ParseCommand splits "/name arg1 arg2" into an invocation. ok is false for
// text that does not start with a slash.
func ParseCommand(text string) (Invocation, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Invocation{}, false
	}
	fields := strings.Fields(text)
	name := normalizeCommand(fields[0])
	if name == "" {
		return Invocation{}, false
	}
	return Invocation{Command: name, Args: fields[1:], Text: text}, true
}
