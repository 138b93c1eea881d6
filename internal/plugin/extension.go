// Package plugin loads extension manifests and dispatches detected events to them.
package plugin

import (
	"context"
	"errors"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
	"lotwatch/internal/repo"
)

var (
	// ErrDuplicateUUID is returned when a plugin claims a uuid that is already loaded.
	ErrDuplicateUUID = errors.New("duplicate plugin uuid")
	// ErrInvalidManifest marks a manifest missing required identity fields.
	ErrInvalidManifest = errors.New("invalid plugin manifest")
	// ErrUnknownPlugin is returned when no record matches the requested uuid.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrOutsidePluginDir is returned for a manifest path that does not resolve
	// to a yaml file inside the plugin directory.
	ErrOutsidePluginDir = errors.New("plugin path outside plugin directory")
)

// Info is the identity every extension declares.
type Info struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Credits     string `json:"credits,omitempty"`
}

// Messenger lets hooks talk back to marketplace chats.
type Messenger interface {
	SendMessage(ctx context.Context, session string, chatID market.ID, content string) error
	FetchChats(ctx context.Context, session string) (*market.ChatList, error)
}

// Context is the handle passed to every hook: the active session, the state
// store and the settings snapshot of the calling cycle.
type Context struct {
	Session   string
	Store     repo.Store
	Settings  config.Settings
	Messenger Messenger
}

// ChatMessage is a novel marketplace chat message.
type ChatMessage struct {
	ChatID    market.ID
	MessageID market.ID
	Username  string
	Text      string
}

// Invocation is a command sent by the operator.
type Invocation struct {
	Command string
	Args    []string
	Text    string
	From    string
}

// Callback is an opaque action payload sent by the operator.
type Callback struct {
	Data string
	From string
}

// Inbound is a free-form operator message that is not a command.
type Inbound struct {
	Text string
	From string
}

// OrderHook runs for every newly created order.
type OrderHook func(ctx context.Context, order market.Order, pc *Context) error

// MessageHook runs for every novel chat message.
type MessageHook func(ctx context.Context, msg ChatMessage, pc *Context) error

// CommandHandler answers an operator command.
type CommandHandler func(ctx context.Context, inv Invocation, pc *Context) (string, error)

// Command is a named operator command.
type Command struct {
	Name        string
	Description string
	Handler     CommandHandler
}

// Extension is a loaded plugin. Optional capabilities are discovered through the
// interfaces below.
type Extension interface {
	Info() Info
}

// Initializer is implemented by extensions that need a start-up hook.
type Initializer interface {
	OnInit(ctx context.Context, pc *Context) error
}

// HookProvider is implemented by extensions that observe orders or chat messages.
type HookProvider interface {
	OrderHooks() []OrderHook
	MessageHooks() []MessageHook
}

// Commander is implemented by extensions that expose operator commands.
type Commander interface {
	Commands() []Command
}

// CallbackHandler is implemented by extensions that react to operator callbacks.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb Callback, pc *Context) error
}

// MessageHandler is implemented by extensions that read free-form operator messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Inbound, pc *Context) error
}
