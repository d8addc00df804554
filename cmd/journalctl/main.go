// Command journalctl verifies an exported room journal offline.
//
//	journalctl verify [--key sha256:<hex>] <file|->
//
// The file is either a JSON export bundle or a bare array of entries.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"roundtable/api/internal/identity"
	"roundtable/api/internal/journal"
)

type report struct {
	OK       bool   `json:"ok"`
	Entries  int    `json:"entries"`
	HeadHash string `json:"head_hash,omitempty"`
	Signer   string `json:"signer,omitempty"`
	Error    string `json:"error,omitempty"`
}

func main() {
	flags := flag.NewFlagSet("journalctl", flag.ExitOnError)
	key := flags.String("key", "", "require every entry to be signed by this key fingerprint")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: journalctl verify [--key sha256:<hex>] <file|->")
		flags.PrintDefaults()
	}
	if len(os.Args) < 2 || os.Args[1] != "verify" {
		flags.Usage()
		os.Exit(2)
	}
	_ = flags.Parse(os.Args[2:])
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	raw, err := readInput(flags.Arg(0))
	if err != nil {
		log.WithError(err).Fatal("read journal")
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		log.WithError(err).Fatal("decode journal")
	}

	result := verify(entries, *key)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.OK {
		os.Exit(1)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// decodeEntries accepts an export bundle (entries under "journal") or a
// bare array of entries.
func decodeEntries(raw []byte) ([]journal.Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	if trimmed[0] == '[' {
		var entries []journal.Entry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("entry array: %w", err)
		}
		return entries, nil
	}
	var bundle struct {
		Journal []journal.Entry `json:"journal"`
	}
	if err := json.Unmarshal(trimmed, &bundle); err != nil {
		return nil, fmt.Errorf("export bundle: %w", err)
	}
	if bundle.Journal == nil {
		return nil, errors.New(`export bundle has no "journal" field`)
	}
	return bundle.Journal, nil
}

func verify(entries []journal.Entry, wantKey string) report {
	result := report{OK: true, Entries: len(entries)}
	if len(entries) == 0 {
		return result
	}

	var err error
	if len(entries) == 1 {
		err = journal.Verify(entries[0])
	} else {
		err = journal.VerifyChain(entries)
	}
	if err == nil && wantKey != "" {
		err = checkSigner(entries, wantKey)
	}
	if err != nil {
		result.OK = false
		result.Error = err.Error()
		return result
	}

	result.HeadHash = entries[len(entries)-1].Hash
	if pub, err := identity.ParseKeyMaterial(identity.KindRaw, entries[0].Signature.PublicKey); err == nil {
		result.Signer = identity.Fingerprint(pub)
	}
	return result
}

func checkSigner(entries []journal.Entry, wantKey string) error {
	want, err := identity.NormalizeFingerprint(wantKey)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pub, err := identity.ParseKeyMaterial(identity.KindRaw, entry.Signature.PublicKey)
		if err != nil {
			return fmt.Errorf("entry %d: %w", entry.Core.Idx, err)
		}
		if got := identity.Fingerprint(pub); got != want {
			return fmt.Errorf("entry %d signed by %s, want %s", entry.Core.Idx, got, want)
		}
	}
	return nil
}
