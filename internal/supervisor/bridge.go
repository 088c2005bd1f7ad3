package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/boardfleet/internal/infrastructure/mqtt"
)

// commandTimeout bounds one bridged command, including stop grace and the
// restart settle delay.
const commandTimeout = 30 * time.Second

var errUnknownAction = errors.New("supervisor: unknown command action")

// Subscriber is the MQTT surface of CommandBridge.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Command is the payload accepted on boardfleet/command/{id}.
type Command struct {
	Action string `json:"action"`
}

// CommandBridge turns MQTT command messages into supervisor operations.
// stop disables auto-restart, as it does over HTTP.
type CommandBridge struct {
	sup    *Supervisor
	sub    Subscriber
	qos    byte
	logger Logger

	// run executes a command off the broker's delivery goroutine.
	run func(func())
}

// NewCommandBridge returns a bridge driving sup.
func NewCommandBridge(sup *Supervisor, sub Subscriber, qos byte, logger Logger) *CommandBridge {
	if logger == nil {
		logger = noopLogger{}
	}
	return &CommandBridge{
		sup:    sup,
		sub:    sub,
		qos:    qos,
		logger: logger,
		run:    func(fn func()) { go fn() },
	}
}

// Start subscribes to every service command topic.
func (b *CommandBridge) Start() error {
	if err := b.sub.Subscribe(mqtt.Topics{}.AllServiceCommands(), b.qos, b.handle); err != nil {
		return fmt.Errorf("subscribing to service commands: %w", err)
	}
	return nil
}

// Stop removes the subscription.
func (b *CommandBridge) Stop() error {
	return b.sub.Unsubscribe(mqtt.Topics{}.AllServiceCommands())
}

func (b *CommandBridge) handle(topic string, payload []byte) error {
	id, ok := mqtt.Topics{}.ServiceIDFromCommand(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding command for %s: %w", id, err)
	}
	if _, err := b.sup.get(id); err != nil {
		return err
	}

	var op func(context.Context) error
	switch cmd.Action {
	case "start":
		op = func(ctx context.Context) error { return b.sup.Start(ctx, id) }
	case "stop":
		op = func(ctx context.Context) error { return b.sup.Stop(ctx, id, true) }
	case "restart":
		op = func(ctx context.Context) error { return b.sup.Restart(ctx, id) }
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}

	b.run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			b.logger.Warn("bridged command failed", "service_id", id, "action", cmd.Action, "error", err)
			return
		}
		b.logger.Info("bridged command applied", "service_id", id, "action", cmd.Action)
	})
	return nil
}
