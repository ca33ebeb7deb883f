package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	State int

	// SyncContext holds the progress of one coordinator.
	// It is owned by the coordinator goroutine; readers go through Status.
	SyncContext struct {
		state State

		// next is the first block that has not been persisted yet.
		next          uint64
		checkpoint    uint64
		hasCheckpoint bool
		chainHeight   uint64

		chunkSize     uint64
		maxChunkSize  uint64
		successStreak int

		// failover routes the next RPC attempt to the failover endpoint group.
		failover bool

		subscription      client.Subscription
		pushDisabled      bool
		reconnectFailures int

		// decodeRetries counts the passes over a block that holds an undecodable log.
		// A block present in the map has already been reported to the DLQ.
		decodeRetries map[uint64]int

		retryBackoff     backoff.BackOff
		reconnectBackoff backoff.BackOff

		lastErr error
	}

	// Status is a point-in-time snapshot of a SyncContext.
	Status struct {
		State           State     `json:"-"`
		StateName       string    `json:"state"`
		Checkpoint      *uint64   `json:"checkpoint"`
		ChainHeight     uint64    `json:"chain_height"`
		Lag             uint64    `json:"lag"`
		ChunkSize       uint64    `json:"chunk_size"`
		PushMode        bool      `json:"push_mode"`
		PushDisabled    bool      `json:"push_disabled"`
		BlocksPerSecond float64   `json:"blocks_per_second"`
		LastError       string    `json:"last_error,omitempty"`
		UpdatedAt       time.Time `json:"updated_at"`
	}
)

const (
	StateUnknown State = iota
	StateBootstrapping
	StateCatchingUp
	StateLive
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func newSyncContext(cfg *config.SyncConfig) *SyncContext {
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = 1
	}

	return &SyncContext{
		state:            StateBootstrapping,
		chunkSize:        chunkSize,
		maxChunkSize:     chunkSize,
		pushDisabled:     cfg.DisablePush,
		decodeRetries:    make(map[uint64]int),
		retryBackoff:     newBackoff(cfg),
		reconnectBackoff: newBackoff(cfg),
	}
}

// newBackoff returns an exponential backoff without an elapsed time limit.
func newBackoff(cfg *config.SyncConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reset rewinds the context to Bootstrapping, keeping the live subscription and the push mode.
func (sc *SyncContext) reset() {
	sc.state = StateBootstrapping
	sc.next = 0
	sc.checkpoint = 0
	sc.hasCheckpoint = false
	sc.chunkSize = sc.maxChunkSize
	sc.successStreak = 0
	sc.failover = false
	sc.decodeRetries = make(map[uint64]int)
	sc.retryBackoff.Reset()
	sc.lastErr = nil
}

func (sc *SyncContext) setCheckpoint(block uint64) {
	sc.checkpoint = block
	sc.hasCheckpoint = true
	sc.next = block + 1
}

// shrinkChunk halves the chunk size, down to a single block.
func (sc *SyncContext) shrinkChunk() {
	sc.chunkSize /= 2
	if sc.chunkSize == 0 {
		sc.chunkSize = 1
	}
	sc.successStreak = 0
}

// recordSuccess doubles a shrunk chunk after growAfter consecutive successful batches.
func (sc *SyncContext) recordSuccess(growAfter int) {
	sc.failover = false
	sc.lastErr = nil
	sc.retryBackoff.Reset()

	if sc.chunkSize >= sc.maxChunkSize {
		sc.successStreak = 0
		return
	}

	sc.successStreak++
	if sc.successStreak >= growAfter {
		sc.chunkSize = utils.MinUint64(sc.chunkSize*2, sc.maxChunkSize)
		sc.successStreak = 0
	}
}

// countDecodePass records a withheld pass over block and returns the number of passes so far.
// Blocks whose logs could not be reported to the DLQ are not counted and are never given up on.
func (sc *SyncContext) countDecodePass(block uint64) int {
	if passes, ok := sc.decodeRetries[block]; ok {
		sc.decodeRetries[block] = passes + 1
	}
	return sc.decodeRetries[block]
}

func (sc *SyncContext) closeSubscription() {
	if sc.subscription != nil {
		sc.subscription.Close()
		sc.subscription = nil
	}
}
