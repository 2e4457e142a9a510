// Command casctool is a thin CLI exerciser over the container/resolver
// stack: open a CASC storage directory and read or write content by
// encoding key.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wowserhq/cascore/cascorecfg"
	"github.com/wowserhq/cascore/casctypes"
	"github.com/wowserhq/cascore/container"
)

var log = logging.Logger("casctool")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "read":
		err = runRead(args)
	case "write":
		err = runWrite(args)
	case "stats":
		err = runStats(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "casctool:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: casctool <read|write|stats> [flags]")
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	out := fs.String("out", "", "write decoded content to this file instead of stdout")
	dataDir := fs.String("data", "", "CASC data directory")
	indexPath := fs.String("index", "", "KMT index path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) != 1 {
		return fmt.Errorf("read requires exactly one hex-encoded encoding key argument")
	}
	if *dataDir == "" || *indexPath == "" {
		return fmt.Errorf("-data and -index are required")
	}

	ekey, err := parseEKey(fs.Args()[0])
	if err != nil {
		return err
	}

	c, err := container.Open(*dataDir, *indexPath, container.Options{AccessMode: cascorecfg.ReadOnly})
	if err != nil {
		return fmt.Errorf("opening container: %w", err)
	}
	defer c.Close()

	data, err := c.Read(ekey)
	if err != nil {
		return fmt.Errorf("reading %s: %w", ekey, err)
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	log.Infow("read content", "ekey", ekey.String(), "bytes", len(data))
	return os.WriteFile(*out, data, 0o644)
}

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	dataDir := fs.String("data", "", "CASC data directory")
	indexPath := fs.String("index", "", "KMT index path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) != 1 {
		return fmt.Errorf("write requires exactly one file path argument")
	}
	if *dataDir == "" || *indexPath == "" {
		return fmt.Errorf("-data and -index are required")
	}

	plaintext, err := os.ReadFile(fs.Args()[0])
	if err != nil {
		return err
	}

	c, err := container.Open(*dataDir, *indexPath, container.Options{AccessMode: cascorecfg.ReadWrite})
	if err != nil {
		return fmt.Errorf("opening container: %w", err)
	}
	defer c.Close()

	ekey, err := c.Write(plaintext)
	if err != nil {
		return fmt.Errorf("writing content: %w", err)
	}

	log.Infow("wrote content", "ekey", ekey.String(), "bytes", len(plaintext))
	fmt.Println(ekey.String())
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dataDir := fs.String("data", "", "CASC data directory")
	indexPath := fs.String("index", "", "KMT index path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" || *indexPath == "" {
		return fmt.Errorf("-data and -index are required")
	}

	c, err := container.Open(*dataDir, *indexPath, container.Options{AccessMode: cascorecfg.ReadOnly})
	if err != nil {
		return fmt.Errorf("opening container: %w", err)
	}
	defer c.Close()

	ok, err := c.Query(casctypes.EKey{})
	if err != nil {
		return err
	}
	fmt.Printf("container opened at %s (zero-key present: %v)\n", *dataDir, ok)
	return nil
}

func parseEKey(s string) (casctypes.EKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return casctypes.EKey{}, fmt.Errorf("decoding encoding key: %w", err)
	}
	if len(b) != casctypes.EKeySize {
		return casctypes.EKey{}, fmt.Errorf("encoding key must be %d bytes, got %d", casctypes.EKeySize, len(b))
	}
	var ekey casctypes.EKey
	copy(ekey[:], b)
	return ekey, nil
}
