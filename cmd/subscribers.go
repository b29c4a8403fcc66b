package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/exchange-feed/internal/model"
)

// subscriberFile is the YAML layout accepted by `subscribers import`.
type subscriberFile struct {
	Subscribers []model.Subscriber `yaml:"subscribers"`
}

// parseSubscribers decodes and validates a subscriber file.
func parseSubscribers(r io.Reader) ([]model.Subscriber, error) {
	var f subscriberFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "subscribers: parse yaml")
	}

	seen := make(map[string]bool, len(f.Subscribers))
	for i, s := range f.Subscribers {
		switch {
		case s.ID == "":
			return nil, eris.Errorf("subscribers[%d]: id is required", i)
		case seen[s.ID]:
			return nil, eris.Errorf("subscribers[%d]: duplicate id %q", i, s.ID)
		case len(s.Channels()) == 0:
			return nil, eris.Errorf("subscribers[%d] %s: enable instant with a telegram_chat_id or digest with an email", i, s.ID)
		}
		seen[s.ID] = true
		for j, k := range s.Watchlist {
			f.Subscribers[i].Watchlist[j] = strings.TrimSpace(k)
		}
	}
	return f.Subscribers, nil
}

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage notification subscribers",
}

var subscribersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or replace subscribers and their watchlists from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fh, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open subscriber file")
		}
		defer fh.Close() //nolint:errcheck

		subs, err := parseSubscribers(fh)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, s := range subs {
			if err := env.Store.UpsertSubscriber(cmd.Context(), s); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d subscribers\n", len(subs))
		return nil
	},
}

func init() {
	subscribersCmd.AddCommand(subscribersImportCmd)
	rootCmd.AddCommand(subscribersCmd)
}
