package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"lotwatch/internal/market"
)

func init() {
	RegisterDriver(defaultDriver, newRulesExtension)
}

// rulesBody is the driver-specific part of a rules manifest.
type rulesBody struct {
	OnOrderCreated []ruleDef    `yaml:"on_order_created"`
	OnChatMessage  []ruleDef    `yaml:"on_chat_message"`
	Commands       []commandDef `yaml:"commands"`
}

type ruleDef struct {
	When  string `yaml:"when"`
	Reply string `yaml:"reply"`
}

type commandDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Expr        string `yaml:"expr"`
}

type rule struct {
	when  cel.Program
	reply string
}

// rulesExtension answers orders, chat messages and commands with CEL rules.
type rulesExtension struct {
	info     Info
	orders   []rule
	messages []rule
	commands []Command
}

var (
	orderEnv   = mustEnv(cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)))
	messageEnv = mustEnv(cel.Variable("message", cel.MapType(cel.StringType, cel.DynType)))
	commandEnv = mustEnv(
		cel.Variable("command", cel.StringType),
		cel.Variable("args", cel.ListType(cel.StringType)),
		cel.Variable("text", cel.StringType),
	)
)

func mustEnv(opts ...cel.EnvOption) *cel.Env {
	env, err := cel.NewEnv(opts...)
	if err != nil {
		panic(fmt.Sprintf("build cel env: %v", err))
	}
	return env
}

func newRulesExtension(m *Manifest) (Extension, error) {
	var body rulesBody
	if err := m.Body.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	ext := &rulesExtension{info: m.Info()}

	for i, r := range body.OnOrderCreated {
		compiled, err := compileRule(orderEnv, r)
		if err != nil {
			return nil, fmt.Errorf("on_order_created[%d]: %w", i, err)
		}
		ext.orders = append(ext.orders, compiled)
	}
	for i, r := range body.OnChatMessage {
		compiled, err := compileRule(messageEnv, r)
		if err != nil {
			return nil, fmt.Errorf("on_chat_message[%d]: %w", i, err)
		}
		ext.messages = append(ext.messages, compiled)
	}
	for i, c := range body.Commands {
		cmd, err := compileCommand(c)
		if err != nil {
			return nil, fmt.Errorf("commands[%d]: %w", i, err)
		}
		ext.commands = append(ext.commands, cmd)
	}
	return ext, nil
}

func compileRule(env *cel.Env, r ruleDef) (rule, error) {
	when := strings.TrimSpace(r.When)
	if when == "" {
		when = "true"
	}
	prg, err := compile(env, when, cel.BoolType)
	if err != nil {
		return rule{}, err
	}
	return rule{when: prg, reply: r.Reply}, nil
}

func compileCommand(c commandDef) (Command, error) {
	name := normalizeCommand(c.Name)
	if name == "" {
		return Command{}, fmt.Errorf("command name is required")
	}
	prg, err := compile(commandEnv, c.Expr, cel.StringType)
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", name, err)
	}
	handler := func(_ context.Context, inv Invocation, _ *Context) (string, error) {
		args := inv.Args
		if args == nil {
			args = []string{}
		}
		out, _, err := prg.Eval(map[string]any{
			"command": inv.Command,
			"args":    args,
			"text":    inv.Text,
		})
		if err != nil {
			return "", fmt.Errorf("eval %s: %w", name, err)
		}
		reply, ok := out.Value().(string)
		if !ok {
			return "", fmt.Errorf("eval %s: result is %T, want string", name, out.Value())
		}
		return reply, nil
	}
	return Command{Name: name, Description: strings.TrimSpace(c.Description), Handler: handler}, nil
}

func compile(env *cel.Env, expr string, want *cel.Type) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(want) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile %q: result type %s, want %s", expr, out, want)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prg, nil
}

func matches(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("condition result is %T, want bool", out.Value())
	}
	return ok, nil
}

func (e *rulesExtension) Info() Info { return e.info }

func (e *rulesExtension) Commands() []Command { return e.commands }

func (e *rulesExtension) OrderHooks() []OrderHook {
	hooks := make([]OrderHook, 0, len(e.orders))
	for _, r := range e.orders {
		hooks = append(hooks, e.orderHook(r))
	}
	return hooks
}

func (e *rulesExtension) MessageHooks() []MessageHook {
	hooks := make([]MessageHook, 0, len(e.messages))
	for _, r := range e.messages {
		hooks = append(hooks, e.messageHook(r))
	}
	return hooks
}

func (e *rulesExtension) orderHook(r rule) OrderHook {
	return func(ctx context.Context, order market.Order, pc *Context) error {
		ok, err := matches(r.when, map[string]any{"order": orderVars(order)})
		if err != nil || !ok || r.reply == "" {
			return err
		}
		if pc == nil || pc.Messenger == nil {
			return fmt.Errorf("no messenger for order reply")
		}
		chats, err := pc.Messenger.FetchChats(ctx, pc.Session)
		if err != nil {
			return fmt.Errorf("find buyer chat: %w", err)
		}
		chatID, found := chats.FindChatWith(order.User.ID)
		if !found {
			return fmt.Errorf("no chat with buyer %s", order.User.ID)
		}
		return pc.Messenger.SendMessage(ctx, pc.Session, chatID, pc.Settings.Watermark(r.reply))
	}
}

func (e *rulesExtension) messageHook(r rule) MessageHook {
	return func(ctx context.Context, msg ChatMessage, pc *Context) error {
		ok, err := matches(r.when, map[string]any{"message": map[string]any{
			"chat_id":  msg.ChatID.String(),
			"id":       msg.MessageID.String(),
			"username": msg.Username,
			"text":     msg.Text,
		}})
		if err != nil || !ok || r.reply == "" {
			return err
		}
		if pc == nil || pc.Messenger == nil {
			return fmt.Errorf("no messenger for chat reply")
		}
		return pc.Messenger.SendMessage(ctx, pc.Session, msg.ChatID, pc.Settings.Watermark(r.reply))
	}
}

func orderVars(order market.Order) map[string]any {
	vars := map[string]any{
		"id":       order.ID.String(),
		"status":   order.Status,
		"quantity": int64(order.Units()),
		"price":    order.Price(),
		"buyer":    order.BuyerName(),
		"product":  order.OfferDetails.ProductName(),
		"game":     "",
		"category": "",
	}
	if g := order.OfferDetails.Game; g != nil {
		vars["game"] = g.Name
	}
	if c := order.OfferDetails.Category; c != nil {
		vars["category"] = c.Name
	}
	return vars
}

var (
	_ HookProvider = (*rulesExtension)(nil)
	_ Commander    = (*rulesExtension)(nil)
)
