// Command hash-passwords upgrades a legacy roster of plaintext channel
// passwords to the pbkdf2 format the server verifies against.
package main

import (
	"encoding/json"
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
		adminPass  string
	)

	flag.StringVar(&rosterPath, "channels", "data/channels.json", "path to the channel roster file")
	flag.StringVar(&adminPass, "admin-password", "", "also print a hash suitable for ADMIN_PASSWORD")
	flag.Parse()

	if adminPass != "" {
		hash, err := auth.HashPassword(adminPass)
		if err != nil {
			fatalf("hash admin password: %v", err)
		}
		fmt.Printf("ADMIN_PASSWORD=%s\n", hash)
	}

	raw, err := os.ReadFile(rosterPath)
	if err != nil {
		if os.IsNotExist(err) && adminPass != "" {
			return
		}
		fatalf("read channel roster: %v", err)
	}

	var records []storage.ChannelRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		fatalf("parse channel roster: %v", err)
	}

	upgraded := 0
	for i, record := range records {
		if strings.HasPrefix(record.Password, "pbkdf2$") {
			continue
		}
		hash, err := auth.HashPassword(record.Password)
		if err != nil {
			fatalf("hash password for %q: %v", record.Name, err)
		}
		records[i].Password = hash
		upgraded++
	}

	if upgraded == 0 {
		fmt.Printf("All %d channels in %s already use hashed passwords.\n", len(records), rosterPath)
		return
	}

	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		fatalf("encode channel roster: %v", err)
	}
	if err := os.WriteFile(rosterPath, encoded, 0o600); err != nil {
		fatalf("write channel roster: %v", err)
	}
	fmt.Printf("Upgraded %d of %d channels in %s.\n", upgraded, len(records), rosterPath)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
