package n2k

import (
	"sync"
	"time"
)

// DecodeFunc decodes a fully reassembled raw message into a typed Message
// using a PGN catalog (e.g. (*canboat.Decoder).Decode). Pipeline is deliberately
// decoupled from the catalog package to avoid an import cycle: canboat depends
// on n2k, so n2k cannot depend back on canboat.
type DecodeFunc func(RawMessage) (Message, error)

// FilterSet is an exclude/include pair over some key K (numeric PGN, message
// id, manufacturer code). An empty IncludeOnly means "everything not
// excluded"; a non-empty IncludeOnly means "only these, regardless of
// Exclude".
type FilterSet[K comparable] struct {
	Exclude     map[K]bool
	IncludeOnly map[K]bool
}

func (f FilterSet[K]) allows(k K) bool {
	if len(f.IncludeOnly) > 0 {
		return f.IncludeOnly[k]
	}
	return !f.Exclude[k]
}

// FilterConfig groups the three independent filter axes the decode pipeline applies
// at different pipeline stages: numeric PGN and manufacturer code are known
// before decode, message id only after.
type FilterConfig struct {
	PGNs          FilterSet[uint32]
	IDs           FilterSet[string]
	Manufacturers FilterSet[uint16]
}

// DumpSink receives every message the pipeline's dump-set selects for
// persistence. *JSONLSink satisfies this.
type DumpSink interface {
	Write(Message) error
}

// PipelineConfig configures one Pipeline instance.
type PipelineConfig struct {
	Filter FilterConfig

	// BuildNetworkMap enables the network-map stages (steps 2,3,8): within
	// the grace window, non-address-claim traffic from a source with no
	// known iso-name is dropped (after it, such traffic is processed with a
	// null iso-name), manufacturer filtering is applied, and
	// fingerprints/SourceIsoName are attached. Address claims are recorded
	// (step 5) whether or not it is set.
	BuildNetworkMap bool
	// GraceWindow is how long after pipeline construction messages from
	// unknown sources are dropped outright, rather than processed with a
	// null iso-name. Defaults to 10 minutes when zero; the window is a
	// heuristic for how long a full bus takes to announce itself.
	GraceWindow time.Duration

	// UnitPreferences converts decoded field values to the caller's
	// preferred units (step 7).
	UnitPreferences UnitPreferences

	// ComputeFingerprint attaches a stream-identity hash to every decoded
	// message once its SourceIsoName (if any) is known (step 8). Only takes
	// effect when BuildNetworkMap is also true, since the fingerprint's
	// identity component comes from the network map.
	ComputeFingerprint bool

	// Dump, when non-nil, receives every message matching DumpIDs/DumpPGNs
	// (or every message, if both are empty).
	Dump     DumpSink
	DumpIDs  map[string]bool
	DumpPGNs map[uint32]bool

	// Now overrides time.Now for grace-window tests. Defaults to time.Now.
	Now func() time.Time
}

const defaultGraceWindow = 10 * time.Minute

type nodeEntry struct {
	name   NodeName
	seenAt time.Time
}

// Pipeline is the top-level decode orchestrator: it wraps a
// PGN catalog's decode function with PGN/id/manufacturer filtering, ISO
// address-claim tracking, unit conversion, fingerprinting and an optional
// dump sink. Like the catalog Decoder it wraps, a Pipeline instance is not
// safe for concurrent use; each transport client owns its own.
type Pipeline struct {
	decode DecodeFunc
	config PipelineConfig
	now    func() time.Time

	startedAt time.Time
	addr      map[uint8]nodeEntry

	mu sync.Mutex
}

// NewPipeline creates a Pipeline that decodes raw messages with decode and
// applies config's filtering/enrichment stages.
func NewPipeline(decode DecodeFunc, config PipelineConfig) *Pipeline {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	if config.GraceWindow == 0 {
		config.GraceWindow = defaultGraceWindow
	}
	return &Pipeline{
		decode:    decode,
		config:    config,
		now:       now,
		startedAt: now(),
		addr:      make(map[uint8]nodeEntry),
	}
}

// Decode runs raw through the full filter/enrich pipeline. A nil Message with
// a nil error means the message was filtered out; a non-nil error means a
// catalog/codec failure the caller should log and drop the frame for.
func (p *Pipeline) Decode(raw RawMessage) (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pgn := raw.Header.PGN
	isAddressClaim := pgn == uint32(PGNISOAddressClaim)

	// Step 1: numeric-PGN filtering. PGN 60928 is exempt so address tracking
	// keeps working; whether the caller actually wanted it filtered is
	// re-checked at the very end (step 1's final clause).
	wantedAddressClaimFiltered := false
	if isAddressClaim {
		wantedAddressClaimFiltered = !p.config.Filter.PGNs.allows(pgn)
	} else if !p.config.Filter.PGNs.allows(pgn) {
		return nil, nil
	}

	// Step 2/3: network-map gate and manufacturer filtering. Address claims
	// are exempt from the gate: they are what populates the map.
	var source nodeEntry
	var sourceKnown bool
	if p.config.BuildNetworkMap {
		source, sourceKnown = p.addr[raw.Header.Source]
		if !sourceKnown {
			if !isAddressClaim && p.now().Sub(p.startedAt) < p.config.GraceWindow {
				return nil, nil
			}
		} else if !p.config.Filter.Manufacturers.allows(source.name.Manufacturer) {
			return nil, nil
		}
	}

	// Step 4: catalog decode.
	msg, err := p.decode(raw)
	if err != nil {
		return nil, err
	}

	// Step 5: iso-address-claim tracking, updates not inserts only.
	if msg.ID == "isoAddressClaim" {
		if name, err := PGN60928ToNodeName(raw); err == nil {
			p.addr[raw.Header.Source] = nodeEntry{name: name, seenAt: p.now()}
			source, sourceKnown = p.addr[raw.Header.Source], true
		}
	}

	// Step 6: id-based filtering, now that the id is known.
	if !p.config.Filter.IDs.allows(msg.ID) {
		return nil, nil
	}

	// Step 7: unit-preference conversion.
	msg.Fields = p.config.UnitPreferences.ApplyAll(msg.Fields)

	// Step 8: attach network-map identity and, if requested, fingerprint.
	if p.config.BuildNetworkMap {
		if sourceKnown {
			name := source.name
			msg.SourceIsoName = &name
			msg.NodeNAME = name.Uint64()
		}
		if p.config.ComputeFingerprint {
			msg = msg.WithFingerprint()
		}
	}

	// Step 9: optional JSONL/dump sink.
	if p.config.Dump != nil && p.dumpSelects(msg) {
		_ = p.config.Dump.Write(msg)
	}

	if isAddressClaim && wantedAddressClaimFiltered {
		return nil, nil
	}
	return &msg, nil
}

func (p *Pipeline) dumpSelects(msg Message) bool {
	if len(p.config.DumpIDs) == 0 && len(p.config.DumpPGNs) == 0 {
		return true
	}
	if p.config.DumpIDs[msg.ID] {
		return true
	}
	return p.config.DumpPGNs[msg.Header.PGN]
}

// KnownNodeName reports the tracked iso-name for source, if any.
func (p *Pipeline) KnownNodeName(source uint8) (NodeName, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.addr[source]
	return entry.name, ok
}
