package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"site-agent-go/internal/backend"
	"site-agent-go/internal/ops"
)

const (
	sacctmgrBin  = "sacctmgr"
	sacctBin     = "sacct"
	homeDirBin   = "/sbin/mkhomedir_helper"
	sshNoiseLine = "Warning: Permanently added"
)

// Executor runs one accounting command and returns its combined output.
// The default implementation shells out; tests substitute scripted output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct {
	logger *zap.Logger
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	commandLine := name + " " + strings.Join(args, " ")
	r.logger.Debug("executing backend command", zap.String("command", commandLine))

	raw, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := stripConnectionNoise(string(raw))
	if err != nil {
		ops.BackendCommandsTotal.WithLabelValues(name, "error").Inc()
		return "", backend.NewError(commandLine, output, err)
	}

	ops.BackendCommandsTotal.WithLabelValues(name, "ok").Inc()
	return output, nil
}

// stripConnectionNoise drops the ssh host-key banner some clusters prepend
// to command output.
func stripConnectionNoise(output string) string {
	lines := strings.Split(output, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], sshNoiseLine) {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}

// Client issues accounting operations through the cluster's command-line
// tools and parses their pipe-delimited output.
type Client struct {
	exec   Executor
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a client that shells out to the local accounting tools.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		exec:   &execRunner{logger: logger},
		logger: logger,
		now:    time.Now,
	}
}

// sacctmgr runs a sacctmgr subcommand with parsable output. Mutations pass
// immediate to skip the interactive confirmation.
func (c *Client) sacctmgr(ctx context.Context, immediate bool, args ...string) (string, error) {
	full := []string{"--parsable2", "--noheader"}
	if immediate {
		full = append(full, "--immediate")
	}
	full = append(full, args...)
	return c.exec.Run(ctx, sacctmgrBin, full...)
}

// ListAccounts returns all accounts known to the cluster.
func (c *Client) ListAccounts(ctx context.Context) ([]*backend.Account, error) {
	output, err := c.sacctmgr(ctx, false, "list", "account")
	if err != nil {
		return nil, err
	}

	var accounts []*backend.Account
	for _, line := range dataLines(output) {
		account, err := parseAccountLine(line)
		if err != nil {
			return nil, backend.NewError("sacctmgr list account", output, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// GetAccount returns the named account, or nil when it does not exist.
func (c *Client) GetAccount(ctx context.Context, name string) (*backend.Account, error) {
	output, err := c.sacctmgr(ctx, false, "show", "account", name)
	if err != nil {
		return nil, err
	}

	lines := dataLines(output)
	if len(lines) == 0 {
		return nil, nil
	}
	account, err := parseAccountLine(lines[0])
	if err != nil {
		return nil, backend.NewError("sacctmgr show account", output, err)
	}
	return account, nil
}

// CreateAccount creates an account, optionally under a parent account.
func (c *Client) CreateAccount(ctx context.Context, name, description, organization, parent string) error {
	args := []string{
		"add", "account", name,
		fmt.Sprintf("description=%q", description),
		fmt.Sprintf("organization=%q", organization),
	}
	if parent != "" {
		args = append(args, "parent="+parent)
	}
	_, err := c.sacctmgr(ctx, true, args...)
	return err
}

// DeleteAccount removes an account. Associations must be gone first, so any
// remaining users are dropped before removal.
func (c *Client) DeleteAccount(ctx context.Context, name string) error {
	hasUsers, err := c.accountHasUsers(ctx, name)
	if err != nil {
		return err
	}
	if hasUsers {
		if _, err := c.sacctmgr(ctx, true, "remove", "user", "where", "account="+name); err != nil {
			return err
		}
	}
	_, err = c.sacctmgr(ctx, true, "remove", "account", "where", "name="+name)
	return err
}

func (c *Client) accountHasUsers(ctx context.Context, account string) (bool, error) {
	output, err := c.sacctmgr(ctx, false, "show", "association", "where", "account="+account)
	if err != nil {
		return false, err
	}
	for _, line := range dataLines(output) {
		association, err := parseAssociationRow(line)
		if err != nil {
			return false, backend.NewError("sacctmgr show association", output, err)
		}
		if association.User != "" {
			return true, nil
		}
	}
	return false, nil
}

// GetAssociation returns the association between a user and an account, or
// nil when none exists.
func (c *Client) GetAssociation(ctx context.Context, username, account string) (*backend.Association, error) {
	output, err := c.sacctmgr(ctx, false,
		"show", "association", "where", "user="+username, "account="+account)
	if err != nil {
		return nil, err
	}

	lines := dataLines(output)
	if len(lines) == 0 {
		return nil, nil
	}
	association, err := parseAssociationRow(lines[0])
	if err != nil {
		return nil, backend.NewError("sacctmgr show association", output, err)
	}
	return association, nil
}

// CreateAssociation grants the user access to the account.
func (c *Client) CreateAssociation(ctx context.Context, username, account, defaultAccount string) error {
	_, err := c.sacctmgr(ctx, true,
		"add", "user", username,
		"account="+account,
		"DefaultAccount="+defaultAccount)
	return err
}

// DeleteAssociation revokes the user's access to the account.
func (c *Client) DeleteAssociation(ctx context.Context, username, account string) error {
	_, err := c.sacctmgr(ctx, true,
		"remove", "user", "where", "name="+username, "and", "account="+account)
	return err
}

// ListAccountUsers returns the usernames associated with the account.
func (c *Client) ListAccountUsers(ctx context.Context, account string) ([]string, error) {
	output, err := c.sacctmgr(ctx, false,
		"list", "associations", "format=account,user", "where", "account="+account)
	if err != nil {
		return nil, err
	}

	var usernames []string
	for _, line := range dataLines(output) {
		parts := strings.Split(line, "|")
		if len(parts) != 2 {
			return nil, backend.NewError("sacctmgr list associations", output,
				fmt.Errorf("association line has %d fields, want 2: %q", len(parts), line))
		}
		if parts[1] != "" {
			usernames = append(usernames, parts[1])
		}
	}
	return usernames, nil
}

// SetResourceLimits applies native-unit limits to the account's quota.
func (c *Client) SetResourceLimits(ctx context.Context, account string, limits map[string]int64) error {
	_, err := c.sacctmgr(ctx, true,
		"modify", "account", account, "set", "GrpTRESMins="+formatLimits(limits))
	return err
}

// GetResourceLimits reads the account's native-unit quota values.
func (c *Client) GetResourceLimits(ctx context.Context, account string) (map[string]int64, error) {
	output, err := c.sacctmgr(ctx, false,
		"show", "association", "format=account,GrpTRESMins", "where", "accounts="+account)
	if err != nil {
		return nil, err
	}

	for _, line := range dataLines(output) {
		_, limits, err := parseLimitsLine(line)
		if err != nil {
			return nil, backend.NewError("sacctmgr show association", output, err)
		}
		if limits != nil {
			return limits, nil
		}
	}
	return nil, nil
}

// GetUsageReport reads this month's raw per-(account,user) usage lines for
// the listed accounts.
func (c *Client) GetUsageReport(ctx context.Context, accounts []string) ([]*reportLine, error) {
	monthStart, monthEnd := monthWindow(c.now())
	output, err := c.exec.Run(ctx, sacctBin,
		"--noconvert",
		"--truncate",
		"--allocations",
		"--allusers",
		"--starttime="+monthStart,
		"--endtime="+monthEnd,
		"--accounts="+strings.Join(accounts, ","),
		"--format=Account,ReqTRES,Elapsed,User",
		"--parsable2",
		"--noheader")
	if err != nil {
		return nil, err
	}

	var lines []*reportLine
	for _, line := range dataLines(output) {
		parsed, err := parseReportLine(line)
		if err != nil {
			return nil, backend.NewError("sacct usage report", output, err)
		}
		lines = append(lines, parsed)
	}
	return lines, nil
}

// ListTRES returns the accounting components known to the cluster.
func (c *Client) ListTRES(ctx context.Context) ([]string, error) {
	output, err := c.sacctmgr(ctx, false, "list", "tres")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, line := range dataLines(output) {
		names = append(names, strings.Split(line, "|")[0])
	}
	return names, nil
}

// SetAccountQOS applies a QoS class to the account.
func (c *Client) SetAccountQOS(ctx context.Context, account, qos string) error {
	_, err := c.sacctmgr(ctx, true, "modify", "account", account, "set", "qos="+qos)
	return err
}

// GetAccountQOS reads the QoS currently applied to the account itself
// (the association row without a user).
func (c *Client) GetAccountQOS(ctx context.Context, account string) (string, error) {
	output, err := c.sacctmgr(ctx, false,
		"show", "association", "format=account,user,qos", "where", "account="+account)
	if err != nil {
		return "", err
	}

	for _, line := range dataLines(output) {
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			return "", backend.NewError("sacctmgr show association", output,
				fmt.Errorf("qos line has %d fields, want 3: %q", len(parts), line))
		}
		if parts[1] == "" {
			return parts[2], nil
		}
	}
	return "", nil
}

// CreateHomeDir provisions the OS home directory for a user.
func (c *Client) CreateHomeDir(ctx context.Context, username, umask string) error {
	_, err := c.exec.Run(ctx, homeDirBin, username, umask)
	return err
}
