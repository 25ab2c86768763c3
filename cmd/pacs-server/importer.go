package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pacs/pacs/internal/archive"
	"github.com/pacs/pacs/internal/platform/dicomfile"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Ingest every DICOM file under a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			partitionFlag, _ := cmd.Flags().GetString("partition")
			workers, _ := cmd.Flags().GetInt("workers")
			if workers <= 0 {
				workers = cfg.ImportWorkers
			}
			partitionID, err := cfg.PartitionID()
			if err != nil {
				return err
			}
			if partitionFlag != "" {
				if partitionID, err = uuid.Parse(partitionFlag); err != nil {
					return fmt.Errorf("invalid --partition: %w", err)
				}
			}
			if partitionID == uuid.Nil {
				return fmt.Errorf("--partition or DEFAULT_PARTITION is required")
			}
			mediaID, err := cfg.MediaID()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.close()

			im := &importer{
				ingestor: archive.NewIngestor(b.store, b.files, logger),
				store:    b.store,
				media:    archive.Media{ID: mediaID, Folder: cfg.ArchiveRoot},
				workers:  workers,
				logger:   logger,
			}
			summary, err := im.run(ctx, partitionID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().String("partition", "", "Target partition id (defaults to DEFAULT_PARTITION)")
	cmd.Flags().Int("workers", 0, "Concurrent ingestions (defaults to IMPORT_WORKERS)")
	return cmd
}

type importer struct {
	ingestor *archive.Ingestor
	store    archive.Store
	media    archive.Media
	workers  int
	logger   zerolog.Logger
}

// importSummary counts files per outcome.
type importSummary struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *importSummary) add(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[outcome]++
}

func (s *importSummary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.counts))
	for k := range s.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-12s %d\n", k, s.counts[k])
	}
	return b.String()
}

var errUnreadable = errors.New("unreadable dicom file")

func outcome(res *archive.ImportResult, err error) string {
	switch {
	case errors.Is(err, errUnreadable):
		return "unreadable"
	case err != nil:
		return archive.KindOf(err).String()
	case res.Ignored:
		return "ignored"
	case res.Conflict:
		return "conflicted"
	default:
		return "stored"
	}
}

// run walks dir and ingests every regular file with bounded concurrency.
// Per-file failures are counted, not returned; only walk errors and
// cancellation abort the run.
func (im *importer) run(ctx context.Context, partitionID uuid.UUID, dir string) (*importSummary, error) {
	partition, err := im.store.GetPartition(ctx, partitionID)
	if err != nil {
		return nil, fmt.Errorf("load partition %s: %w", partitionID, err)
	}

	summary := &importSummary{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		g.Go(func() error {
			res, err := im.importFile(gctx, partition.ID, path)
			kind := outcome(res, err)
			summary.add(kind)
			if err != nil {
				im.logger.Warn().Err(err).Str("file", path).Str("outcome", kind).Msg("import failed")
			}
			return gctx.Err()
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if walkErr != nil {
		return summary, fmt.Errorf("walk %s: %w", dir, walkErr)
	}
	return summary, nil
}

// importFile reads the partition for every file so policy changes made
// during a long run apply to the files that follow.
func (im *importer) importFile(ctx context.Context, partitionID uuid.UUID, path string) (*archive.ImportResult, error) {
	obj, err := dicomfile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	partition, err := im.store.GetPartition(ctx, partitionID)
	if err != nil {
		return nil, fmt.Errorf("load partition %s: %w", partitionID, err)
	}
	return im.ingestor.Import(ctx, archive.ImportRequest{
		PartitionID: partition.ID,
		Policy:      partition.Policy,
		MediaID:     im.media.ID,
		MediaFolder: im.media.Folder,
		Object:      obj,
		Commit:      true,
		Origin:      archive.Origin{Name: "import", ID: filepath.Base(filepath.Dir(path))},
	})
}
