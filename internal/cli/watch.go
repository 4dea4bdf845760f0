package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"collab-sync/internal/models"
	"collab-sync/internal/services/channel"
	"collab-sync/internal/services/collaboration"

	"github.com/spf13/cobra"
)

// ErrAccessEnded is returned when the relay closes a watch for good.
var ErrAccessEnded = errors.New("access ended")

// WatchOptions holds flags for the watch commands.
type WatchOptions struct {
	*RootOptions
	As string // identity announced while watching presence
}

// NewWatchCommand creates the watch command and its channels.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream a room until interrupted",
		Long: `Stream messages of one room until interrupted.

Examples:
  syncctl watch collaborators m1
  syncctl watch permissions m1 --token $TOKEN
  syncctl watch events mind-map:m1:sync --format json
  syncctl watch presence mind-map:m1:cursor --as alice`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "collaborators <mapId>",
		Short: "Stream the collaborator list of a map (owners only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			return watchChannel(cmd.Context(), opts.logger, func(h channel.Handlers[channel.CollaboratorMessage]) *channel.Client[channel.CollaboratorMessage] {
				return channel.NewCollaboratorClient(args[0], opts.channelConfig(), h)
			}, p.collaborator)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "permissions <mapId>",
		Short: "Stream the caller's access to a map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			return watchChannel(cmd.Context(), opts.logger, func(h channel.Handlers[channel.PermissionMessage]) *channel.Client[channel.PermissionMessage] {
				return channel.NewPermissionClient(args[0], opts.channelConfig(), h)
			}, p.permission)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "events <room>",
		Short: "Stream the event log of a room, starting with the history the relay replays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			return watchRoom(cmd.Context(), opts, args[0], func(reg *collaboration.Registry, room string) func() {
				return reg.SubscribeEvents(room, p.envelope)
			})
		},
	})

	presence := &cobra.Command{
		Use:   "presence <room>",
		Short: "Stream who is present in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			return watchRoom(cmd.Context(), opts, args[0], func(reg *collaboration.Registry, room string) func() {
				unsubscribe := reg.SubscribePresence(room, p.presence)
				if opts.As != "" {
					reg.SetPresence(room, opts.As, models.PresenceRecord{"name": opts.As, "client": "syncctl"})
				}
				return unsubscribe
			})
		},
	}
	presence.Flags().StringVar(&opts.As, "as", "", "announce this identity while watching")
	cmd.AddCommand(presence)

	cmd.AddCommand(&cobra.Command{
		Use:   "graph <room>",
		Short: "Stream node and edge changes of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.Format)
			return watchRoom(cmd.Context(), opts, args[0], func(reg *collaboration.Registry, room string) func() {
				return reg.ObserveGraph(room, p.graphChange)
			})
		},
	})

	return cmd
}

// watchChannel runs a channel client until ctx ends or the relay refuses
// access for good.
func watchChannel[M any](ctx context.Context, logger *slog.Logger, build func(channel.Handlers[M]) *channel.Client[M], onEvent func(M)) error {
	ended := make(chan channel.CloseEvent, 1)
	client := build(channel.Handlers[M]{
		OnEvent: onEvent,
		OnError: func(err error) {
			logger.Debug("channel error", slog.Any("error", err))
		},
		OnClose: func(ev channel.CloseEvent) {
			if !ev.Terminal {
				if !ev.Local {
					logger.Info("connection closed, reconnecting", slog.Int("code", ev.Code), slog.String("reason", ev.Reason))
				}
				return
			}
			select {
			case ended <- ev:
			default:
			}
		},
	})
	client.Connect()
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case ev := <-ended:
		return fmt.Errorf("%w: %s", ErrAccessEnded, ev.Reason)
	}
}

// watchRoom holds a connected room open until ctx ends. subscribe returns
// the unsubscribe func, which also releases the room.
func watchRoom(ctx context.Context, opts *WatchOptions, room string, subscribe func(*collaboration.Registry, string) func()) error {
	name, err := models.ParseRoomName(room)
	if err != nil {
		return err
	}

	reg := collaboration.NewRegistry(opts.registryOptions())
	defer reg.Shutdown()

	unsubscribe := subscribe(reg, name.String())
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
