package storage

import (
	"fmt"
	"strings"

	"github.com/engram0/engram/internal/log"
)

// Kind identifies a backend implementation. The configured backend name is
// resolved to a Kind exactly once at startup; no string comparisons happen
// after selection.
type Kind int

const (
	// KindSqliteVec is the default embedded vector store.
	KindSqliteVec Kind = iota

	// KindChromem is the managed local vector database.
	KindChromem

	// KindCloudflare is the networked cloud backend (vector index +
	// relational metadata store + blob store).
	KindCloudflare

	// KindPgvector is a networked PostgreSQL + pgvector backend.
	KindPgvector

	// KindHybrid composes the embedded store as primary with asynchronous
	// replication to the cloud backend.
	KindHybrid
)

func (k Kind) String() string {
	switch k {
	case KindSqliteVec:
		return "sqlite-vec"
	case KindChromem:
		return "chromem"
	case KindCloudflare:
		return "cloudflare"
	case KindPgvector:
		return "pgvector"
	case KindHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configured backend name to a Kind. Matching is
// case-insensitive and accepts both hyphen and underscore variants.
// Unrecognized names return KindSqliteVec with ok=false so the caller can
// log the substitution.
func ParseKind(name string) (Kind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")

	switch normalized {
	case "", "sqlite-vec", "sqlitevec", "sqlite":
		return KindSqliteVec, true
	case "chromem", "chroma":
		return KindChromem, true
	case "cloudflare":
		return KindCloudflare, true
	case "pgvector", "postgres", "postgresql":
		return KindPgvector, true
	case "hybrid":
		return KindHybrid, true
	default:
		return KindSqliteVec, false
	}
}

// Availability reports whether each optional backend's runtime dependency
// is usable. A nil error means available; otherwise the error explains
// what is missing. Probes are side-effect-free, so resolution is
// deterministic given identical configuration.
type Availability struct {
	// Chromem is non-nil when the managed local vector database cannot be
	// used (no embedder endpoint configured for it).
	Chromem error

	// Cloud is non-nil when the cloud credentials are incomplete.
	Cloud error

	// Postgres is non-nil when no PostgreSQL DSN is configured.
	Postgres error
}

// Selection is the outcome of backend resolution.
type Selection struct {
	// Kind is the backend that will be constructed.
	Kind Kind

	// Requested is the backend name as configured.
	Requested string

	// FellBack is true when Kind differs from the requested backend. The
	// lifecycle manager refuses to start in strict mode when set, so a
	// deployment never silently runs on a different store than the one
	// configured.
	FellBack bool

	// Reason explains the substitution when FellBack is set.
	Reason string
}

// Resolve maps the requested backend name to a constructible Kind,
// applying the defined fallback order:
//
//   - chromem falls back to sqlite-vec when its dependency is unavailable
//   - hybrid falls back to sqlite-vec when the cloud half is not configured
//   - cloudflare and pgvector have no fallback: missing credentials are a
//     fatal configuration error, since no reasonable default exists for a
//     cloud-only deployment
//   - an unrecognized name defaults to sqlite-vec with a warning
//
// Fallback decisions mutate nothing and are deterministic given identical
// configuration; every substitution is logged loudly at startup.
func Resolve(requested string, avail Availability, logger log.Logger) (Selection, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	kind, ok := ParseKind(requested)
	if !ok {
		logger.Warn("unknown storage backend, defaulting to sqlite-vec", "requested", requested)
		return Selection{
			Kind:      KindSqliteVec,
			Requested: requested,
			FellBack:  true,
			Reason:    fmt.Sprintf("unknown backend %q", requested),
		}, nil
	}

	sel := Selection{Kind: kind, Requested: requested}

	switch kind {
	case KindChromem:
		if avail.Chromem != nil {
			logger.Warn("chromem backend unavailable, falling back to sqlite-vec",
				"reason", avail.Chromem)
			sel.Kind = KindSqliteVec
			sel.FellBack = true
			sel.Reason = avail.Chromem.Error()
		}

	case KindCloudflare:
		if avail.Cloud != nil {
			return Selection{}, fmt.Errorf("%w: cloudflare backend: %v", ErrConfiguration, avail.Cloud)
		}

	case KindPgvector:
		if avail.Postgres != nil {
			return Selection{}, fmt.Errorf("%w: pgvector backend: %v", ErrConfiguration, avail.Postgres)
		}

	case KindHybrid:
		if avail.Cloud != nil {
			logger.Warn("hybrid backend missing cloud configuration, falling back to sqlite-vec",
				"reason", avail.Cloud)
			sel.Kind = KindSqliteVec
			sel.FellBack = true
			sel.Reason = avail.Cloud.Error()
		}
	}

	return sel, nil
}
