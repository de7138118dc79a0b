// Command add-channel seeds a channel with a hashed password into the roster.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/storage"
)

func main() {
	var (
		rosterPath string
		name       string
		password   string
	)

	flag.StringVar(&rosterPath, "channels", "data/channels.json", "path to the channel roster file")
	flag.StringVar(&name, "name", "", "channel name")
	flag.StringVar(&password, "password", "", "channel password")
	flag.Parse()

	name = strings.TrimSpace(name)
	if name == "" {
		fatalf("--name is required")
	}
	if len(password) < 4 {
		fatalf("--password must be at least 4 characters")
	}

	store, err := storage.NewChannelStore(rosterPath)
	if err != nil {
		fatalf("open channel roster: %v", err)
	}

	credentials := auth.NewCredentials(store, "")
	if err := credentials.AddChannel(name, password); err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			fatalf("channel %q already exists in %s", name, rosterPath)
		}
		fatalf("add channel: %v", err)
	}

	fmt.Printf("Channel %q added to %s (%d channels total).\n", name, rosterPath, store.Count())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
