package engine

// Run manifests for reproducibility

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"pivot-backtest/strategies"
)

type RunManifest struct {
	JobID         string            `json:"job_id"`
	EngineVersion string            `json:"engine_version"`
	ConfigHash    string            `json:"config_hash"`
	DataChecksums map[string]string `json:"data_checksums,omitempty"`
	Params        map[string]string `json:"params"`
	CreatedAt     int64             `json:"created_at"`
}

// NewRunManifest hashes the job's parameters so two runs can be compared.
func NewRunManifest(job *BacktestJob) *RunManifest {
	params := map[string]string{
		"timeframe":     job.Timeframe,
		"fill_mode":     job.Paper.FillMode.String(),
		"slippage_mode": string(job.Paper.Slippage),
		"stop_mode":     job.Strategy.StopMode.String(),
		"symbols":       fmt.Sprint(slices.Sorted(slices.Values(job.Symbols))),
	}
	body, _ := json.Marshal(struct {
		Strategy strategies.HigherLowConfig `json:"strategy"`
		Paper    PaperSettings              `json:"paper"`
		Rules    []string                   `json:"rules"`
		Params   map[string]string          `json:"params"`
	}{
		Strategy: job.Strategy,
		Paper:    job.Paper,
		Rules: []string{
			job.Paper.Rules.TickSize.String(), job.Paper.Rules.LotSize.String(), job.Paper.Rules.MinNotional.String(),
			job.Paper.Rules.MakerFee.String(), job.Paper.Rules.TakerFee.String(),
		},
		Params: params,
	})
	sum := sha256.Sum256(body)
	return &RunManifest{
		JobID:         job.JobID,
		EngineVersion: EngineVersion,
		ConfigHash:    hex.EncodeToString(sum[:]),
		DataChecksums: map[string]string{},
		Params:        params,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

// ManifestStore keeps the manifest of every finished job.
type ManifestStore struct {
	mu        sync.RWMutex
	manifests map[string]*RunManifest
}

func NewManifestStore() *ManifestStore {
	return &ManifestStore{manifests: make(map[string]*RunManifest)}
}

func (s *ManifestStore) Put(m *RunManifest) {
	s.mu.Lock()
	s.manifests[m.JobID] = m
	s.mu.Unlock()
}

func (s *ManifestStore) Get(jobID string) (*RunManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[jobID]
	return m, ok
}

// SameRun reports whether two manifests describe the same parameters over the same data.
func SameRun(a, b *RunManifest) bool {
	if a.ConfigHash != b.ConfigHash || len(a.DataChecksums) != len(b.DataChecksums) {
		return false
	}
	for k, v := range a.DataChecksums {
		if b.DataChecksums[k] != v {
			return false
		}
	}
	return true
}
