package slurm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"site-agent-go/internal/backend"
)

// Output of the accounting tools is newline-separated, pipe-delimited
// records. Lines without the delimiter are banners or headers and are
// discarded before parsing; lines with an unexpected field count are parse
// errors.

const (
	reportLineFields     = 4
	associationRowFields = 10
)

var (
	tresValuePattern = regexp.MustCompile(`^(\d+)([KMGTP]?)`)
	cpuValuePattern  = regexp.MustCompile(`cpu=(\d+)`)

	tresUnitFactors = map[string]int64{
		"K": 1 << 10,
		"M": 1 << 20,
		"G": 1 << 30,
		"T": 1 << 40,
		"P": 1 << 50,
	}
)

// reportLine is one usage row of the accounting ledger: a job record with the
// requested TRES scaled by its elapsed time.
type reportLine struct {
	Account string
	User    string

	// Usage holds native-unit amounts per component: TRES count multiplied
	// by elapsed minutes.
	Usage map[string]int64
}

// dataLines filters command output down to pipe-delimited records.
func dataLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "|") {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseAccountLine parses `name|description|organization|...`.
func parseAccountLine(line string) (*backend.Account, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return nil, fmt.Errorf("account line has %d fields, want at least 3: %q", len(parts), line)
	}
	return &backend.Account{
		Name:         parts[0],
		Description:  parts[1],
		Organization: parts[2],
	}, nil
}

// parseAssociationRow parses a 10-field association row. The 10th field
// encodes a `cpu=<n>` usage fragment.
func parseAssociationRow(line string) (*backend.Association, error) {
	parts := strings.Split(line, "|")
	if len(parts) != associationRowFields {
		return nil, fmt.Errorf(
			"association row has %d fields, want %d: %q",
			len(parts), associationRowFields, line,
		)
	}

	var value int64
	if match := cpuValuePattern.FindStringSubmatch(parts[9]); match != nil {
		parsed, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("association row value %q: %w", parts[9], err)
		}
		value = parsed
	}

	return &backend.Association{
		Account: parts[1],
		User:    parts[2],
		Value:   value,
	}, nil
}

// parseReportLine parses `Account|ReqTRES|Elapsed|User` into per-component
// native usage (TRES count times elapsed minutes).
func parseReportLine(line string) (*reportLine, error) {
	parts := strings.Split(line, "|")
	if len(parts) != reportLineFields {
		return nil, fmt.Errorf(
			"report line has %d fields, want %d: %q",
			len(parts), reportLineFields, line,
		)
	}

	minutes, err := parseElapsed(parts[2])
	if err != nil {
		return nil, fmt.Errorf("report line elapsed %q: %w", parts[2], err)
	}

	usage := make(map[string]int64)
	if parts[1] != "" {
		tres, err := parseTRESPairs(parts[1])
		if err != nil {
			return nil, fmt.Errorf("report line tres %q: %w", parts[1], err)
		}
		for component, count := range tres {
			usage[component] = count * minutes
		}
	}

	return &reportLine{
		Account: strings.TrimSpace(parts[0]),
		User:    parts[3],
		Usage:   usage,
	}, nil
}

// parseLimitsLine parses `account|GrpTRESMins` where the second field is a
// comma-separated component=amount list. An empty second field yields nil.
func parseLimitsLine(line string) (string, map[string]int64, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("limits line has %d fields, want 2: %q", len(parts), line)
	}
	if parts[1] == "" {
		return parts[0], nil, nil
	}
	limits, err := parseTRESPairs(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("limits line %q: %w", parts[1], err)
	}
	return parts[0], limits, nil
}

// parseTRESPairs parses `cpu=16,mem=32G,node=1` into native amounts.
func parseTRESPairs(value string) (map[string]int64, error) {
	pairs := make(map[string]int64)
	for _, pair := range strings.Split(value, ",") {
		name, raw, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed component pair %q", pair)
		}
		pairs[name] = parseTRESValue(raw)
	}
	return pairs, nil
}

// parseTRESValue converts a TRES amount with an optional K/M/G/T/P binary
// suffix into a plain integer, e.g. "5K" -> 5120.
func parseTRESValue(value string) int64 {
	match := tresValuePattern.FindStringSubmatch(value)
	if match == nil {
		return 0
	}
	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	if factor, ok := tresUnitFactors[match[2]]; ok {
		amount *= factor
	}
	return amount
}

// parseElapsed converts a `[D-]HH:MM:SS[.ffffff]` duration to whole minutes.
func parseElapsed(value string) (int64, error) {
	var days int64
	rest := value

	if dayPart, timePart, found := strings.Cut(value, "-"); found {
		parsed, err := strconv.ParseInt(dayPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed day part %q", dayPart)
		}
		days = parsed
		rest = timePart
	}

	// Drop the optional fractional seconds.
	rest, _, _ = strings.Cut(rest, ".")

	fields := strings.Split(rest, ":")
	if len(fields) != 3 {
		return 0, fmt.Errorf("malformed time %q", rest)
	}

	var hours, minutes, seconds int64
	for i, target := range []*int64{&hours, &minutes, &seconds} {
		parsed, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed time %q", rest)
		}
		*target = parsed
	}

	return (days*24+hours)*60 + minutes + seconds/60, nil
}
