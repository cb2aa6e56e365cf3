// Command swarmcat inspects a swarmd node's storage directory offline: it
// dumps the operation log and prints an aggregated status snapshot, without
// needing a running replica.
//
// Directly adapted from the teacher's cmd/mircat/main.go: the same
// parseArgs/execute/main split, the same kingpin-driven include/exclude
// filter-flag style, retargeted from an eventlog recording to a
// store.BoltStore state directory and from state-machine replay to
// internal/operation's stage index.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/operation"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
)

var allStages = []string{"prepare", "commit", "execute"}

// excludeByStage mirrors the teacher's excludeByType: at most one of
// include/exclude is ever set by parseArgs.
func excludeByStage(stage string, include, exclude []string) bool {
	if include != nil {
		for _, want := range include {
			if want == stage {
				return false
			}
		}
		return true
	}
	for _, skip := range exclude {
		if skip == stage {
			return true
		}
	}
	return false
}

type arguments struct {
	dbPath        string
	stages        []string
	notStages     []string
	minSequence   uint64
	maxSequence   uint64
	showStatus    bool
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("swarmcat", "Utility for inspecting swarmdb replica state directories.")
	dbPath := app.Flag("db", "Path to the replica's bolt database file.").Required().String()
	stages := app.Flag("stage", "Which operation stages to report.").Enums(allStages...)
	notStages := app.Flag("notStage", "Which operation stages to exclude. (Cannot combine with --stage)").Enums(allStages...)
	minSequence := app.Flag("minSequence", "Only report operations at or above this sequence.").Default("0").Uint64()
	maxSequence := app.Flag("maxSequence", "Only report operations at or below this sequence (0 means unbounded).").Default("0").Uint64()
	showStatus := app.Flag("status", "Print the aggregated status snapshot after the operation log.").Default("false").Bool()

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	if *stages != nil && *notStages != nil {
		return nil, errors.Errorf("cannot set both --stage and --notStage")
	}

	return &arguments{
		dbPath:      *dbPath,
		stages:      *stages,
		notStages:   *notStages,
		minSequence: *minSequence,
		maxSequence: *maxSequence,
		showStatus:  *showStatus,
	}, nil
}

func (a *arguments) shouldPrint(k operation.Key, stage operation.Stage) bool {
	if excludeByStage(stage.String(), a.stages, a.notStages) {
		return false
	}
	if k.Sequence < a.minSequence {
		return false
	}
	if a.maxSequence != 0 && k.Sequence > a.maxSequence {
		return false
	}
	return true
}

func (a *arguments) execute(output io.Writer) error {
	s, err := store.OpenBolt(a.dbPath)
	if err != nil {
		return errors.WithMessage(err, "open replica database")
	}
	defer s.Close() //nolint:errcheck

	cfgStore, err := config.New(s)
	if err != nil {
		return errors.WithMessage(err, "open configuration store")
	}
	quorum := quorumFunc(cfgStore)

	mgr := operation.NewManager(s, quorum)
	keys, err := mgr.AllKeys()
	if err != nil {
		return errors.WithMessage(err, "list operation log")
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sequence != keys[j].Sequence {
			return keys[i].Sequence < keys[j].Sequence
		}
		return keys[i].View < keys[j].View
	})

	for _, k := range keys {
		op, err := mgr.FindOrCreate(k)
		if err != nil {
			return errors.WithMessagef(err, "load operation %+v", k)
		}
		stage, err := op.Stage()
		if err != nil {
			return errors.WithMessagef(err, "read stage for %+v", k)
		}
		if !a.shouldPrint(k, stage) {
			continue
		}
		fmt.Fprintf(output, "seq=%d view=%d hash=%s stage=%s\n", k.Sequence, k.View, k.RequestHash, stage)
	}

	if a.showStatus {
		if err := printStatus(output, s, cfgStore); err != nil {
			return errors.WithMessage(err, "print status")
		}
	}

	return nil
}

// quorumFunc resolves the operation manager's quorum from the database's
// current configuration, falling back to a permissive single-vote quorum
// when no configuration has ever been recorded (an unseeded or corrupt
// state directory), since the inspector must still be able to dump
// whatever is on disk.
func quorumFunc(cfgStore *config.Store) func() int {
	return func() int {
		v, err := cfgStore.CurrentView()
		if err != nil {
			return 1
		}
		return v.Quorum()
	}
}

// printStatus reads the same typedvalue keys internal/pbft.Engine keeps
// its view/sequence bookkeeping under, so the inspector can report a
// snapshot without a live engine to call Watermarks() on.
func printStatus(output io.Writer, s store.Store, cfgStore *config.Store) error {
	nextSeq, err := typedvalue.New[uint64](s, "next_request_sequence", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return err
	}
	view, err := typedvalue.New[uint64](s, "current_view", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return err
	}
	low, err := typedvalue.New[uint64](s, "low_water", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return err
	}
	high, err := typedvalue.New[uint64](s, "high_water", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return err
	}

	nextVal, err := nextSeq.Get()
	if err != nil {
		return err
	}
	viewVal, err := view.Get()
	if err != nil {
		return err
	}
	lowVal, err := low.Get()
	if err != nil {
		return err
	}
	highVal, err := high.Get()
	if err != nil {
		return err
	}

	ckptMgr, err := checkpoint.New(s)
	if err != nil {
		return err
	}
	local, err := ckptMgr.LatestLocal()
	if err != nil {
		return err
	}
	stable, err := ckptMgr.LatestStable()
	if err != nil {
		return err
	}

	cfg, atView, ok, err := cfgStore.Current()
	if err != nil {
		return err
	}

	fmt.Fprintf(output, "\nview=%d low_water=%d high_water=%d next_request_sequence=%d\n", viewVal, lowVal, highVal, nextVal)
	fmt.Fprintf(output, "latest_local_checkpoint=%d latest_stable_checkpoint=%d\n", local.Sequence, stable.Sequence)
	if !ok {
		fmt.Fprintln(output, "configuration: none seeded")
		return nil
	}
	fmt.Fprintf(output, "configuration: current since view %d, %d peers\n", atView, len(cfg.Peers))
	for _, p := range peers.NewView(cfg.Peers).Ordered() {
		fmt.Fprintf(output, "  %s %s:%d (%s)\n", p.UUID, p.Host, p.Port, p.Name)
	}
	return nil
}

func main() {
	kingpin.Version("0.0.1")
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	if err := args.execute(os.Stdout); err != nil {
		fmt.Println("")
		kingpin.Fatalf("%s", err)
	}
}
