// Command node runs one storage-network participant: a long-lived daemon
// that either originates a brand-new genesis section (--first) or joins
// an existing one through a configured bootstrap contact list, then serves
// client and peer traffic until an interrupt signal or a fatal error.
//
// Grounded on the teacher's cmd/cli/bootstrap_node.go cobra+viper+logrus
// daemon shape (package-global node pointer behind a mutex, PersistentPreRunE
// doing config load + log-level setup, SIGINT/SIGTERM triggering a clean
// shutdown), adapted from a start/stop/peers command trio to a single
// foreground run command, since this node has no separate supervisor
// process to send it stop/peers commands from.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stornet/internal/blskeys"
	"stornet/internal/bootstrap"
	"stornet/internal/corenode"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/xorname"
	"stornet/pkg/config"
)

var (
	node   *corenode.Core
	nodeMu sync.Mutex

	flagFirst             bool
	flagBootstrapContacts string
	flagMaxCapacityBytes  uint64
	flagConfigFile        string
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "run a storage-network node",
		RunE:  runNode,
	}
	root.Flags().BoolVar(&flagFirst, "first", false, "originate a new genesis section instead of joining one")
	root.Flags().StringVar(&flagBootstrapContacts, "bootstrap-contacts", "", "path to a file of known contact addresses, one per line")
	root.Flags().Uint64Var(&flagMaxCapacityBytes, "max-capacity-bytes", 0, "override the configured storage capacity limit")
	root.Flags().StringVar(&flagConfigFile, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagMaxCapacityBytes > 0 {
		cfg.Node.MaxCapacityBytes = flagMaxCapacityBytes
	}
	if flagBootstrapContacts != "" {
		cfg.Node.BootstrapContacts = flagBootstrapContacts
	}
	cfg.Node.First = cfg.Node.First || flagFirst

	log, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	id, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		log.WithError(err).Error("node: identity unavailable")
		os.Exit(1)
	}
	log = log.WithField("node", id.Name.String()[:8])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, exitCode := startCore(ctx, cfg, id, log)
	if core == nil {
		os.Exit(exitCode)
	}
	nodeMu.Lock()
	node = core
	nodeMu.Unlock()

	log.WithField("addr", id.Address).Info("node: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("node: shutting down")
	nodeMu.Lock()
	if err := node.Close(); err != nil {
		log.WithError(err).Warn("node: shutdown reported an error")
	}
	node = nil
	nodeMu.Unlock()
	return nil
}

// startCore builds corenode.Config, either originates a genesis section
// (--first, a single-elder threshold(1,1) key as §9's decided rendering of
// the bootstrap section's key material) or runs the join handshake against
// every configured contact, and starts the Core. Returns (nil, 2) for a
// permanently rejected join, per spec.md §6's exit code contract.
func startCore(ctx context.Context, cfg *config.Config, id identity.NodeIdentity, log *logrus.Entry) (*corenode.Core, int) {
	nodeCfg := corenode.Config{
		ListenAddress:    id.Address,
		StorageDir:       cfg.Node.DataDir,
		MaxCapacityBytes: cfg.Node.MaxCapacityBytes,
		QueueCapacity:    1024,
		SectionTreePath:  filepath.Join(cfg.Node.DataDir, "section_tree"),
	}
	if cfg.Metrics.Enabled {
		nodeCfg.MetricsAddress = cfg.Metrics.ListenAddr
	}
	if cfg.Storage.EncryptAtRest {
		key, err := decodeStorageKey(cfg.Storage.KeyHex)
		if err != nil {
			log.WithError(err).Error("node: invalid storage key")
			return nil, 1
		}
		nodeCfg.StorageKey = &key
	}

	if cfg.Node.First {
		genesis, share, err := originateGenesis(id)
		if err != nil {
			log.WithError(err).Error("node: failed to originate genesis section")
			return nil, 1
		}
		core, err := corenode.New(ctx, nodeCfg, id, genesis, log)
		if err != nil {
			log.WithError(err).Error("node: failed to start")
			return nil, 1
		}
		core.SetKeyShare(share)
		return core, 0
	}

	contacts, err := readContacts(cfg.Node.BootstrapContacts)
	if err != nil || len(contacts) == 0 {
		log.WithError(err).Error("node: no bootstrap contacts available; pass --first or --bootstrap-contacts")
		return nil, 1
	}
	genesis, err := bootstrap.Join(ctx, id, contacts, log)
	if err != nil {
		log.WithError(err).Error("node: join rejected or unreachable at every contact")
		return nil, 2
	}
	core, err := corenode.New(ctx, nodeCfg, id, genesis, log)
	if err != nil {
		log.WithError(err).Error("node: failed to start")
		return nil, 1
	}
	return core, 0
}

// originateGenesis derives a (threshold=1, total=1) BLS key set, per
// §9-adjacent reasoning in blskeys.GenerateThreshold's doc comment: a
// single elder originating its own section has no co-participants to run
// real DKG with, so the sole share IS the group secret.
func originateGenesis(id identity.NodeIdentity) (knowledge.SectionSigned[knowledge.SectionAuthorityProvider], blskeys.SecretKeyShare, error) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, blskeys.SecretKeyShare{}, err
	}
	sap := knowledge.SectionAuthorityProvider{
		Prefix:    xorname.RootPrefix(),
		PublicKey: set.Group,
		Elders:    []identity.Peer{id.AsPeer()},
		Members: []knowledge.NodeState{
			{Peer: id.AsPeer(), Age: 5, State: knowledge.Joined},
		},
		Generation: 1,
	}
	signed, err := knowledge.Sign(sap, shares[0], set.Group)
	if err != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, blskeys.SecretKeyShare{}, err
	}
	return signed, shares[0], nil
}

// loadOrGenerateIdentity reads node.key from the configured data directory,
// generating and persisting a fresh Ed25519 keypair the first time a node
// starts at this path, per §6 "Persisted state".
func loadOrGenerateIdentity(cfg *config.Config) (identity.NodeIdentity, error) {
	keyPath := cfg.Node.KeyPath
	if id, err := identity.Load(keyPath); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return identity.NodeIdentity{}, fmt.Errorf("create data dir: %w", err)
	}
	id, err := identity.Generate(cfg.Node.ListenAddr)
	if err != nil {
		return identity.NodeIdentity{}, fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(keyPath); err != nil {
		return identity.NodeIdentity{}, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// readContacts parses a newline-separated bootstrap contacts file, one
// "host:port" address per line; blank lines and lines starting with '#'
// are ignored.
func readContacts(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bootstrap contacts %s: %w", path, err)
	}
	defer f.Close()

	var contacts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		contacts = append(contacts, line)
	}
	return contacts, scanner.Err()
}

func decodeStorageKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("decode storage key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("storage key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// buildLogger configures logrus to write to stdout and, when logging.file is
// set, to append to that file as well (the file is not rotated), with the
// level controlled by the config's logging.level field (itself
// overridable via the STORNET_LOGGING_LEVEL environment variable, since
// config.Load binds it through viper's automatic env prefixing — the
// ambient-stack analogue of the spec's RUST_LOG-style control).
func buildLogger(cfg *config.Config) (*logrus.Entry, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return logrus.NewEntry(logger), nil
}
