// dumptree prints a cluster's coordination-store subtree with node versions,
// for debugging a live deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/helmsman-io/helmsman/internal/config"
	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
)

var (
	configPath = flag.String("config", "", "path to YAML config file (store section is used)")
	cluster    = flag.String("cluster", "", "cluster name")
	root       = flag.String("path", "", "subtree to dump (defaults to the whole cluster)")
	showData   = flag.Bool("data", false, "print record payloads, not just versions")
)

func main() {
	flag.Parse()
	if *cluster == "" {
		log.Fatal("cluster name is required (-cluster)")
	}

	cfg, err := config.LoadController(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	st, err := config.OpenStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to connect store: %v", err)
	}
	defer st.Close()

	start := *root
	if start == "" {
		start = store.NewKeyBuilder(*cluster).Cluster()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dump(ctx, store.NewAccessor(st), start, 0); err != nil {
		log.Fatalf("Dump failed: %v", err)
	}
}

func dump(ctx context.Context, a *store.Accessor, path string, depth int) error {
	data, stat, err := a.Store().Get(ctx, path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}

	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s%s (v%d)\n", indent, path, stat.Version)
	if *showData && len(data) > 0 {
		if rec, err := model.UnmarshalRecord(data); err == nil {
			enc, _ := rec.Marshal()
			fmt.Fprintf(os.Stdout, "%s  %s\n", indent, enc)
		}
	}

	children, err := a.Store().GetChildren(ctx, path)
	if err != nil {
		return fmt.Errorf("children %s: %w", path, err)
	}
	sort.Strings(children)
	for _, child := range children {
		if err := dump(ctx, a, path+"/"+child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
