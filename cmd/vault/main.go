// TeleVault CLI.
//
// Operates on the vault directly, without the HTTP server:
//
//	vault upload [-collection name] <file>...
//	vault upload-dir [-collection name] <dir>
//	vault ls [path]
//	vault cat <asset-id> [offset length]
//	vault invalidate <asset-id>
//	vault stats
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/televault/televault/internal/config"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{Level: "warn", Format: "console"}); err != nil {
		logging.InitDefault()
	}
	defer logging.Sync()

	v, err := vault.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vault init failed:", err)
		os.Exit(1)
	}
	defer v.Close()

	ctx := context.Background()
	if err := v.RefreshNamespace(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "namespace build failed:", err)
		os.Exit(1)
	}

	var cmdErr error
	switch os.Args[1] {
	case "upload":
		cmdErr = cmdUpload(ctx, v, os.Args[2:])
	case "upload-dir":
		cmdErr = cmdUploadDir(ctx, v, os.Args[2:])
	case "ls":
		cmdErr = cmdList(v, os.Args[2:])
	case "cat":
		cmdErr = cmdCat(ctx, v, os.Args[2:])
	case "invalidate":
		cmdErr = cmdInvalidate(ctx, v, os.Args[2:])
	case "stats":
		cmdErr = cmdStats(ctx, v)
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "error:", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  vault upload [-collection name] <file>...
  vault upload-dir [-collection name] <dir>
  vault ls [path]
  vault cat <asset-id> [offset length]
  vault invalidate <asset-id>
  vault stats`)
}

func cmdUpload(ctx context.Context, v *vault.Vault, args []string) error {
	fset := flag.NewFlagSet("upload", flag.ExitOnError)
	collection := fset.String("collection", "", "collection to file the uploads under")
	fset.Parse(args)

	if fset.NArg() == 0 {
		return fmt.Errorf("no files given")
	}

	for _, path := range fset.Args() {
		if err := uploadOne(ctx, v, path, *collection); err != nil {
			return err
		}
	}
	return v.RefreshNamespace(ctx)
}

func cmdUploadDir(ctx context.Context, v *vault.Vault, args []string) error {
	fset := flag.NewFlagSet("upload-dir", flag.ExitOnError)
	collection := fset.String("collection", "", "collection to file the uploads under; defaults to the directory name")
	fset.Parse(args)

	if fset.NArg() != 1 {
		return fmt.Errorf("usage: upload-dir [-collection name] <dir>")
	}
	root := fset.Arg(0)
	coll := *collection
	if coll == "" {
		coll = filepath.Base(filepath.Clean(root))
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		return uploadOne(ctx, v, path, coll)
	})
	if err != nil {
		return err
	}
	return v.RefreshNamespace(ctx)
}

func uploadOne(ctx context.Context, v *vault.Vault, path, collection string) error {
	asset, existed, err := v.UploadFile(ctx, vault.UploadRequest{
		Path:       path,
		Collection: collection,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	note := ""
	if existed {
		note = "  (already stored)"
	}
	fmt.Printf("%d  %s  %s  %s%s\n",
		asset.ID, asset.ContentHash[:12],
		humanize.Bytes(uint64(asset.ByteSize)), asset.DisplayName, note)
	return nil
}

func cmdList(v *vault.Vault, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}

	children, ok := v.Namespace().List(path)
	if !ok {
		return fmt.Errorf("no such directory: %s", path)
	}
	for _, n := range children {
		if n.IsDir {
			fmt.Printf("%-10s  %s/\n", "-", n.Name)
			continue
		}
		fmt.Printf("%-10s  %s\n", humanize.Bytes(uint64(n.Asset.ByteSize)), n.Name)
	}
	return nil
}

func cmdCat(ctx context.Context, v *vault.Vault, args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return fmt.Errorf("usage: cat <asset-id> [offset length]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid asset id %q", args[0])
	}

	var off, length int64
	if len(args) == 3 {
		if off, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid offset %q", args[1])
		}
		if length, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return fmt.Errorf("invalid length %q", args[2])
		}
	}

	reader, _, err := v.ReadRange(ctx, id, off, length)
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(os.Stdout, reader)
	return err
}

func cmdInvalidate(ctx context.Context, v *vault.Vault, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: invalidate <asset-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid asset id %q", args[0])
	}
	return v.InvalidateCache(ctx, id)
}

func cmdStats(ctx context.Context, v *vault.Vault) error {
	stats, err := v.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("assets:       %d (%s in %d collections)\n",
		stats.Index.Assets,
		humanize.Bytes(uint64(stats.Index.TotalBytes)),
		stats.Index.Collections)
	fmt.Printf("memory cache: %d objects, %s\n",
		stats.Cache.MemoryObjects, humanize.Bytes(uint64(stats.Cache.MemoryBytes)))
	fmt.Printf("disk cache:   %d objects, %s\n",
		stats.Cache.DiskObjects, humanize.Bytes(uint64(stats.Cache.DiskBytes)))
	return nil
}
