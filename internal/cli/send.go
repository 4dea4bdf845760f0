package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/services/collaboration"

	"github.com/spf13/cobra"
)

// ErrRefused is returned when the relay closes the connection before a frame
// could be sent.
var ErrRefused = errors.New("connection refused by relay")

const (
	dialTimeout = 15 * time.Second
	// changeWait bounds how long mutate waits for its own change to be
	// observed.
	changeWait = time.Second
)

// SendOptions holds flags for send and mutate.
type SendOptions struct {
	*RootOptions
	// Settle is how long to wait for a refusal after connecting.
	Settle time.Duration
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <room> <event> [json-payload]",
		Short: "Append one event to a room's event log",
		Long: `Append one event to a room's event log.

The payload must be JSON; it is omitted when not given.

Examples:
  syncctl send mind-map:m1:sync chat '{"text":"hello"}'
  syncctl send mind-map:m1:sync ping`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
					return fmt.Errorf("payload is not valid JSON: %w", err)
				}
			}

			var env models.SyncEnvelope
			err := withRoom(cmd.Context(), opts, args[0], func(room *collaboration.Room) error {
				env = room.Append(args[1], payload)
				return nil
			})
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout(), opts.Format).emit(env, fmt.Sprintf("sent %s %s to %s", env.ID, env.Event, args[0]))
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.Settle, "settle", 250*time.Millisecond, "wait this long for the relay to refuse the connection")

	return cmd
}

// unchanged is printed when a mutation left the graph as it was.
type unchanged struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	Changed bool   `json:"changed"`
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <room> <event> <json-record>",
		Short: "Apply one node or edge mutation to a room",
		Long: `Apply one node or edge mutation to a room.

Events: node:create node:update node:delete edge:create edge:update edge:delete.
The record must be a JSON object with an "id", either at the top level or
under "data". The change is printed as the room saw it: creating a record
that already exists prints an update.

Examples:
  syncctl mutate mind-map:m1:sync node:create '{"id":"n1","label":"root"}'
  syncctl mutate mind-map:m1:sync node:update '{"data":{"id":"n1","label":"idea"}}'
  syncctl mutate mind-map:m1:sync node:delete '{"id":"n1"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := args[1]
			if _, _, ok := collaboration.LookupMutation(event); !ok {
				return fmt.Errorf("unknown mutation %q", event)
			}

			var record map[string]any
			if err := json.Unmarshal([]byte(args[2]), &record); err != nil {
				return fmt.Errorf("record is not a JSON object: %w", err)
			}
			id, ok := collaboration.MutationID(record)
			if !ok {
				return fmt.Errorf("record has no %q or %q", models.FieldID, "data."+models.FieldID)
			}

			var change *models.GraphChange
			err := withRoom(cmd.Context(), opts, args[0], func(room *collaboration.Room) error {
				changes := make(chan models.GraphChange, 1)
				since := time.Now().UnixMilli()
				unobserve := room.ObserveGraph(func(c models.GraphChange) {
					if c.ID != id || c.ActorID != opts.Actor || c.TimestampMs < since {
						return
					}
					select {
					case changes <- c:
					default:
					}
				})
				defer unobserve()

				if !room.ApplyMutation(event, record) {
					return fmt.Errorf("mutation %s rejected by room %s", event, args[0])
				}
				select {
				case c := <-changes:
					change = &c
				case <-time.After(changeWait):
				}
				return nil
			})
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			if change == nil {
				p.emit(unchanged{Event: event, ID: id}, fmt.Sprintf("%s %s: no change", event, id))
				return nil
			}
			p.graphChange(*change)
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.Settle, "settle", 250*time.Millisecond, "wait this long for the relay to refuse the connection")

	return cmd
}

type dialResult struct {
	tr  collaboration.Transport
	err error
}

// withRoom joins room through a one-off registry, runs fn once the room's
// transport is live, and leaves after everything fn wrote has been handed to
// the transport. Leaving closes the transport, which writes what is queued.
func withRoom(ctx context.Context, opts *SendOptions, room string, fn func(*collaboration.Room) error) error {
	name, err := models.ParseRoomName(room)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// The first dial is reported so a refused or failed connection ends the
	// command instead of redialing.
	dialed := make(chan dialResult, 1)
	var once sync.Once
	regOpts := opts.registryOptions()
	dial := regOpts.Dialer
	regOpts.Dialer = func(ctx context.Context, room string, onFrame func([]byte)) (collaboration.Transport, error) {
		tr, err := dial(ctx, room, onFrame)
		once.Do(func() { dialed <- dialResult{tr: tr, err: err} })
		return tr, err
	}

	reg := collaboration.NewRegistry(regOpts)
	defer reg.Shutdown()
	rm, release := reg.Acquire(name.String())
	defer release()

	var first dialResult
	select {
	case first = <-dialed:
	case <-ctx.Done():
		return fmt.Errorf("dial %s: %w", name, ctx.Err())
	}
	if first.err != nil {
		return first.err
	}

	// The relay refuses after the upgrade, with a close frame.
	if opts.Settle > 0 {
		select {
		case <-first.tr.Done():
			return fmt.Errorf("%w: %s", ErrRefused, name)
		case <-time.After(opts.Settle):
		}
	}
	if err := rm.Flush(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}

	if err := fn(rm); err != nil {
		return err
	}
	if err := rm.Flush(ctx); err != nil {
		return fmt.Errorf("send to %s: %w", name, err)
	}
	return nil
}
