package cli

import (
	"fmt"
	"io"
	"log/slog"

	"collab-sync/internal/config"
	"collab-sync/internal/logging"
	"collab-sync/internal/party"
	"collab-sync/internal/services/channel"
	"collab-sync/internal/services/collaboration"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	URL      string
	Party    string
	Token    string
	TokenURL string
	Actor    string
	Format   string // "json" | "text"
	Verbose  bool

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and drive collaboration rooms",
		Long: `syncctl talks to a collaboration relay the way the web client does.

Connection settings default to PARTYKIT_URL, PARTYKIT_PARTY, PARTYKIT_TOKEN
and PARTYKIT_TOKEN_URL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.resolve(cmd.ErrOrStderr())
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "relay base url (default $PARTYKIT_URL)")
	cmd.PersistentFlags().StringVar(&opts.Party, "party", "", "party name (default $PARTYKIT_PARTY)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "static auth token (default $PARTYKIT_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.TokenURL, "token-url", "", "endpoint returning {\"token\": ...} (default $PARTYKIT_TOKEN_URL)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "syncctl", "actor id stamped on mutations")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))

	return cmd
}

// resolve fills unset flags from the environment.
func (o *RootOptions) resolve(stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.cfg = cfg

	if o.URL == "" {
		o.URL = cfg.PartyURL
	}
	if o.Party == "" {
		o.Party = cfg.PartyName
	}
	if o.Token == "" && o.TokenURL == "" {
		o.Token = cfg.PartyToken
		o.TokenURL = cfg.PartyTokenURL
	}

	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	o.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logging.ParseLevel(level)}))
	return nil
}

// tokenProvider prefers the token endpoint over a static token.
func (o *RootOptions) tokenProvider() party.TokenProvider {
	switch {
	case o.TokenURL != "":
		return party.EndpointToken(nil, o.TokenURL)
	case o.Token != "":
		return party.StaticToken(o.Token)
	default:
		return nil
	}
}

func (o *RootOptions) channelConfig() channel.Config {
	return channel.Config{
		BaseURL:   o.URL,
		Party:     o.Party,
		Token:     o.tokenProvider(),
		BaseDelay: o.cfg.ReconnectBaseDelay,
		MaxDelay:  o.cfg.ReconnectMaxDelay,
		Logger:    o.logger,
	}
}

func (o *RootOptions) dialer() collaboration.TransportDialer {
	return collaboration.NewWebSocketDialer(collaboration.WebSocketDialerConfig{
		BaseURL: o.URL,
		Party:   o.Party,
		Token:   o.tokenProvider(),
		Logger:  o.logger,
	})
}

func (o *RootOptions) registryOptions() collaboration.Options {
	opts := o.cfg.RegistryOptions()
	opts.Dialer = o.dialer()
	opts.ActorID = o.Actor
	opts.Logger = o.logger
	return opts
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
