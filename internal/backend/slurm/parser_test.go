package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataLines(t *testing.T) {
	output := "sacctmgr: connecting\nalpha|desc|org\n\nbeta|desc|org\ndone"
	assert.Equal(t, []string{"alpha|desc|org", "beta|desc|org"}, dataLines(output))
}

func TestParseAccountLine(t *testing.T) {
	account, err := parseAccountLine("hpc-project-1|My project|hpc-org|extra")
	require.NoError(t, err)
	assert.Equal(t, "hpc-project-1", account.Name)
	assert.Equal(t, "My project", account.Description)
	assert.Equal(t, "hpc-org", account.Organization)

	_, err = parseAccountLine("too|short")
	assert.Error(t, err)
}

func TestParseAssociationRow(t *testing.T) {
	line := "cluster|hpc-alloc|alice|||||||cpu=120"
	association, err := parseAssociationRow(line)
	require.NoError(t, err)
	assert.Equal(t, "hpc-alloc", association.Account)
	assert.Equal(t, "alice", association.User)
	assert.Equal(t, int64(120), association.Value)

	// Usage fragment is optional.
	association, err = parseAssociationRow("cluster|hpc-alloc|alice|||||||")
	require.NoError(t, err)
	assert.Equal(t, int64(0), association.Value)

	_, err = parseAssociationRow("cluster|hpc-alloc|alice")
	assert.Error(t, err)
}

func TestParseReportLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		account string
		user    string
		usage   map[string]int64
		wantErr bool
	}{
		{
			name:    "hour long job",
			line:    "hpc-alloc|cpu=2,mem=4G|01:00:00|alice",
			account: "hpc-alloc",
			user:    "alice",
			usage:   map[string]int64{"cpu": 120, "mem": 4 * (1 << 30) * 60},
		},
		{
			name:    "multi day elapsed",
			line:    "hpc-alloc|cpu=1|2-01:30:00|bob",
			account: "hpc-alloc",
			user:    "bob",
			usage:   map[string]int64{"cpu": 2*24*60 + 90},
		},
		{
			name:    "fractional seconds dropped",
			line:    "hpc-alloc|cpu=4|00:10:30.123456|carol",
			account: "hpc-alloc",
			user:    "carol",
			usage:   map[string]int64{"cpu": 40},
		},
		{
			name:    "empty tres",
			line:    "hpc-alloc||00:30:00|dave",
			account: "hpc-alloc",
			user:    "dave",
			usage:   map[string]int64{},
		},
		{
			name:    "wrong field count",
			line:    "hpc-alloc|cpu=1|00:30:00",
			wantErr: true,
		},
		{
			name:    "garbage elapsed",
			line:    "hpc-alloc|cpu=1|later|alice",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := parseReportLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.account, line.Account)
			assert.Equal(t, tt.user, line.User)
			assert.Equal(t, tt.usage, line.Usage)
		})
	}
}

func TestParseLimitsLine(t *testing.T) {
	account, limits, err := parseLimitsLine("hpc-alloc|cpu=600000,mem=100")
	require.NoError(t, err)
	assert.Equal(t, "hpc-alloc", account)
	assert.Equal(t, map[string]int64{"cpu": 600000, "mem": 100}, limits)

	account, limits, err = parseLimitsLine("hpc-alloc|")
	require.NoError(t, err)
	assert.Equal(t, "hpc-alloc", account)
	assert.Nil(t, limits)

	_, _, err = parseLimitsLine("hpc-alloc")
	assert.Error(t, err)
}

func TestParseTRESValue(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"16", 16},
		{"5K", 5 * (1 << 10)},
		{"2M", 2 * (1 << 20)},
		{"32G", 32 * (1 << 30)},
		{"1T", 1 << 40},
		{"1P", 1 << 50},
		{"8Gn", 8 * (1 << 30)},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseTRESValue(tt.value), "value %q", tt.value)
	}
}

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		value   string
		want    int64
		wantErr bool
	}{
		{value: "00:00:00", want: 0},
		{value: "00:01:30", want: 1},
		{value: "01:00:00", want: 60},
		{value: "1-00:00:00", want: 24 * 60},
		{value: "3-12:15:45.5", want: 3*24*60 + 12*60 + 15},
		{value: "00:00:59", want: 0},
		{value: "12:30", wantErr: true},
		{value: "x-00:00:00", wantErr: true},
	}
	for _, tt := range tests {
		minutes, err := parseElapsed(tt.value)
		if tt.wantErr {
			assert.Error(t, err, "value %q", tt.value)
			continue
		}
		require.NoError(t, err, "value %q", tt.value)
		assert.Equal(t, tt.want, minutes, "value %q", tt.value)
	}
}
