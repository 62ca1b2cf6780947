package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convergent/internal/replicator"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const yamlConfig = `
actor: A
listen: ":9000"
database: a.db
peers:
  B: "localhost:9001"
  C: "localhost:9002"
collections: [users, orders]
replication:
  strategy: selective
  sync_interval: 250ms
  max_concurrent_syncs: 1
  session_timeout: 2s
  priority_peers: [B]
  garbage_collect: true
`

const cueConfig = `
actor:    "A"
listen:   ":9000"
database: "a.db"
peers: {
	B: "localhost:9001"
	C: "localhost:9002"
}
collections: ["users", "orders"]
replication: {
	strategy:             "selective"
	sync_interval:        "250ms"
	max_concurrent_syncs: 1
	session_timeout:      "2s"
	priority_peers: ["B"]
	garbage_collect: true
}
`

func TestLoad_YAMLAndCUEAgree(t *testing.T) {
	fromYAML, err := Load(writeFile(t, "node.yaml", yamlConfig))
	require.NoError(t, err)
	fromCUE, err := Load(writeFile(t, "node.cue", cueConfig))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromCUE)
	assert.Equal(t, "A", fromYAML.Actor)
	assert.Equal(t, map[string]string{"B": "localhost:9001", "C": "localhost:9002"}, fromYAML.Peers)
	assert.Equal(t, Duration(250*time.Millisecond), fromYAML.Replication.SyncInterval)
	assert.Equal(t, replicator.DefaultMaxBatchSize, fromYAML.Replication.MaxBatchSize, "defaults fill omitted fields")
}

func TestLoad_ReplicatorConfig(t *testing.T) {
	cfg, err := Load(writeFile(t, "node.yaml", yamlConfig))
	require.NoError(t, err)

	rc, err := cfg.ReplicatorConfig()
	require.NoError(t, err)
	assert.Equal(t, replicator.StrategySelective, rc.Strategy)
	assert.Equal(t, 250*time.Millisecond, rc.SyncInterval)
	assert.Equal(t, 2*time.Second, rc.SessionTimeout)
	assert.Equal(t, 1, rc.MaxConcurrentSyncs)
	assert.Equal(t, []string{"B", "C"}, rc.Peers)
	assert.Equal(t, []string{"B"}, rc.PriorityPeers)
	assert.Equal(t, []string{"users", "orders"}, rc.Collections)
	assert.True(t, rc.GarbageCollect)
	assert.NoError(t, rc.Validate())
}

func TestLoad_MinimalFileGetsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "node.yaml", "actor: A\n"))
	require.NoError(t, err)

	want := Defaults()
	want.Actor = "A"
	assert.Equal(t, want, cfg)
}

func TestParseYAML_UnknownField(t *testing.T) {
	_, err := ParseYAML("node.yaml", []byte("actor: A\nlisten_addr: x\n"))
	require.Error(t, err)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, err.Error(), "listen_addr")
}

func TestParseYAML_BadDuration(t *testing.T) {
	_, err := ParseYAML("node.yaml", []byte("replication:\n  sync_interval: soon\n"))
	assert.Error(t, err)
}

func TestParseYAML_Empty(t *testing.T) {
	cfg, err := ParseYAML("node.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestParseCUE_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `actor: "A", listen_addr: "x"`},
		{"negative batch", `actor: "A", replication: max_batch_size: -1`},
		{"bad strategy", `actor: "A", replication: strategy: "eventually"`},
		{"bad duration", `actor: "A", replication: sync_interval: "soon"`},
		{"empty peer address", `actor: "A", peers: B: ""`},
		{"wrong type", `actor: 7`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCUE("node.cue", []byte(tt.src))
			require.Error(t, err)
			var le *LoadError
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestParseCUE_SyntaxErrorHasPosition(t *testing.T) {
	_, err := ParseCUE("node.cue", []byte("actor: \"A\"\npeers: {\n"))
	require.Error(t, err)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.True(t, le.Pos.IsValid())
	assert.Contains(t, err.Error(), "node.cue:")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "node.toml", "actor = 'A'"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")

	_, err = Load(writeFile(t, "node.yaml", "listen: \":1\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor is required")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Defaults()
		c.Actor = "A"
		c.Peers = map[string]string{"B": "b:1"}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no actor", func(c *Config) { c.Actor = "" }, "actor is required"},
		{"self peer", func(c *Config) { c.Peers["A"] = "a:1" }, "own actor"},
		{"no address", func(c *Config) { c.Peers["C"] = "" }, "no address"},
		{"bad strategy", func(c *Config) { c.Replication.Strategy = "sometimes" }, "unknown sync strategy"},
		{"unknown priority peer", func(c *Config) { c.Replication.PriorityPeers = []string{"Z"} }, "not a configured peer"},
		{"negative timeout", func(c *Config) { c.Replication.SessionTimeout = -1 }, "session timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{}, false},
		{"B=localhost:9001", map[string]string{"B": "localhost:9001"}, false},
		{" B = b:1 , C=http://c:2 ,", map[string]string{"B": "b:1", "C": "http://c:2"}, false},
		{"B", nil, true},
		{"=b:1", nil, true},
		{"B=", nil, true},
		{"B=b:1,B=b:2", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePeers(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", v)

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	var back Duration
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, d, back)
}

func TestNewActorID(t *testing.T) {
	a, b := NewActorID(), NewActorID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestRead_DoesNotValidate(t *testing.T) {
	cfg, err := Read(writeFile(t, "node.yaml", "listen: \":1\"\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Actor)
	assert.Equal(t, ":1", cfg.Listen)
	assert.Zero(t, cfg.Replication.MaxBatchSize)
}
