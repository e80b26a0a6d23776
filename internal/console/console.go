// Package console implements the operator REPL: a line-oriented command
// loop over the running service with ASCII-table output.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shardline/registry/internal/catalog"
	"github.com/shardline/registry/internal/config"
	"github.com/shardline/registry/internal/provision"
	"github.com/shardline/registry/internal/registry"
	"github.com/shardline/registry/internal/service"
	"github.com/shardline/registry/internal/shutdown"
	"github.com/shardline/registry/internal/wire"
)

// Prompt is the operator prompt string.
const Prompt = "registry> "

const lsPageSize = 20

// Console drives the operator REPL.
type Console struct {
	svc      *service.Service
	in       io.Reader
	out      io.Writer
	prompt   *PromptWriter
	levelVar *slog.LevelVar
	stopFn   func()
}

// New creates a console over the service. level is the handler's level
// var so debug/reload can adjust verbosity at runtime. stopFn initiates
// process shutdown when the operator types stop.
func New(svc *service.Service, in io.Reader, out io.Writer, prompt *PromptWriter, level *slog.LevelVar, stopFn func()) *Console {
	return &Console{
		svc:      svc,
		in:       in,
		out:      out,
		prompt:   prompt,
		levelVar: level,
		stopFn:   stopFn,
	}
}

// Run reads commands until EOF or stop. Blocks the calling goroutine.
func (c *Console) Run(ctx context.Context) {
	if c.prompt != nil {
		c.prompt.SetActive(true)
		c.prompt.ShowPrompt()
	}
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if c.prompt != nil {
				c.prompt.ShowPrompt()
			}
			continue
		}
		if c.prompt != nil {
			c.prompt.SetActive(false)
		}
		quit := c.dispatch(ctx, line)
		if quit {
			return
		}
		if c.prompt != nil {
			c.prompt.SetActive(true)
			c.prompt.ShowPrompt()
		}
	}
}

// dispatch executes one command line; returns true when the loop should
// exit.
func (c *Console) dispatch(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "help":
		c.printHelp()
	case "stop":
		fmt.Fprintln(c.out, "Stopping registry...")
		c.stopFn()
		return true
	case "status":
		c.printStatus()
	case "clear":
		fmt.Fprint(c.out, "\x1b[2J\x1b[H")
	case "debug":
		c.toggleDebug()
	case "reload":
		c.reload()
	case "reregister":
		req := &wire.ReregistrationRequest{RegistryID: c.svc.Bus.SenderID()}
		if err := c.svc.Bus.Publish(ctx, wire.ChanReregistration, wire.TypeReregistration, req); err != nil {
			c.printError(err, "check transport connectivity")
			return false
		}
		fmt.Fprintln(c.out, "Re-registration request broadcast.")
	case "proxyregistry":
		c.printProxies()
	case "backendregistry":
		c.printBackends()
	case "ls":
		page := 1
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				page = n
			}
		}
		c.printSlots(page)
	case "locateplayer":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: locateplayer <uuid|name>")
			return false
		}
		c.locate(ctx, args[0])
	case "provisionslot":
		c.provision(ctx, args, "")
	case "provisionminigame":
		c.provision(ctx, args, "minigame")
	case "shutdown":
		c.shutdownCmd(ctx, args)
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (try help)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `Commands:
  help                         Show this help
  stop                         Stop the registry and exit
  status                       Registry status snapshot
  clear                        Clear the screen
  debug                        Toggle debug logging
  reload                       Reload logging config from file
  reregister                   Broadcast a re-registration request
  proxyregistry                List registered proxies
  backendregistry              List registered backends
  ls [page]                    List slots (paged)
  locateplayer <uuid|name>     Locate a player across proxies
  provisionslot <family> [variant] [count]
  provisionminigame <variant> [count]
  shutdown all <seconds> [--reason ...] [--force]
  shutdown family <env> <seconds> [--reason ...] [--force]
  shutdown service <id> <seconds> [--reason ...] [--force]
  shutdown cancel <intentId>
`)
}

func (c *Console) printError(err error, hint string) {
	fmt.Fprintf(c.out, "Error: %v\n  hint: %s\n", err, hint)
}

func (c *Console) toggleDebug() {
	if c.levelVar.Level() == slog.LevelDebug {
		c.levelVar.Set(config.ParseLevel(c.svc.Cfg.Logging.Level))
		fmt.Fprintln(c.out, "Debug logging off.")
	} else {
		c.levelVar.Set(slog.LevelDebug)
		fmt.Fprintln(c.out, "Debug logging on.")
	}
}

func (c *Console) reload() {
	c.levelVar.Set(config.ParseLevel(c.svc.Cfg.Logging.Level))
	fmt.Fprintln(c.out, "Logging level reloaded from configuration.")
}

// =============================================================================
// STATUS AND LISTINGS
// =============================================================================

func (c *Console) printStatus() {
	usedP, resP := c.svc.Alloc.Occupancy(registry.KindProxy)
	usedB, resB := c.svc.Alloc.Occupancy(registry.KindBackend)
	counts := c.svc.Catalog.CountByStatus()

	tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "uptime\t%s\n", time.Since(c.svc.StartedAt).Round(time.Second))
	fmt.Fprintf(tw, "transport\t%s\n", c.svc.TransportKind)
	fmt.Fprintf(tw, "proxies\t%d (instances used %d, cooling %d)\n", c.svc.Proxies.Count(), usedP, resP)
	fmt.Fprintf(tw, "backends\t%d (instances used %d, cooling %d)\n", c.svc.Backends.Count(), usedB, resB)
	for _, status := range []catalog.SlotStatus{
		catalog.SlotAvailable, catalog.SlotProvisioning, catalog.SlotAllocated,
		catalog.SlotInGame, catalog.SlotCooldown, catalog.SlotFaulted,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(tw, "slots %s\t%d\n", status, n)
		}
	}
	for _, intent := range c.svc.Shutdown.Intents() {
		fmt.Fprintf(tw, "shutdown intent\t%s (%s, %d targets)\n", intent.ID, intent.State, len(intent.Targets))
	}
	tw.Flush()
}

func (c *Console) printProxies() {
	proxies := c.svc.Proxies.List()
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].ID.Less(proxies[j].ID) })

	tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tSTATUS\tPLAYERS\tLAST HEARTBEAT")
	for _, p := range proxies {
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%d\t%s\n",
			p.ID, p.Address, p.Port, p.Status, p.PlayerCount,
			p.LastHeartbeat.Format(time.TimeOnly))
	}
	tw.Flush()
	fmt.Fprintf(c.out, "%d proxies\n", len(proxies))
}

func (c *Console) printBackends() {
	backends := c.svc.Backends.List()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID.Less(backends[j].ID) })

	tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tADDRESS\tSTATUS\tPLAYERS\tTPS\tCAPACITY")
	for _, b := range backends {
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%d\t%.1f\t%d\n",
			b.ID, b.Role, b.Address, b.Port, b.Status, b.PlayerCount, b.TPS, b.MaxCapacity)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "%d backends\n", len(backends))
}

func (c *Console) printSlots(page int) {
	slots := c.svc.Catalog.AllSlots()
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].ServerID != slots[j].ServerID {
			return slots[i].ServerID < slots[j].ServerID
		}
		return slots[i].SlotID < slots[j].SlotID
	})

	start := (page - 1) * lsPageSize
	if start >= len(slots) {
		fmt.Fprintf(c.out, "No slots on page %d (%d total)\n", page, len(slots))
		return
	}
	end := start + lsPageSize
	if end > len(slots) {
		end = len(slots)
	}

	tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tFAMILY\tVARIANT\tSERVER\tSTATUS\tPLAYERS")
	for _, s := range slots[start:end] {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			s.SlotID, s.FamilyID, s.VariantID, s.ServerID, s.Status, s.OnlinePlayers, s.MaxPlayers)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "page %d of %d (%d slots)\n", page, (len(slots)+lsPageSize-1)/lsPageSize, len(slots))
}

// =============================================================================
// ACTIONS
// =============================================================================

func (c *Console) locate(ctx context.Context, query string) {
	result, err := c.svc.Routing.Locate(ctx, query)
	if err != nil {
		c.printError(err, "is the transport connected?")
		return
	}
	if !result.Found {
		fmt.Fprintf(c.out, "Player %q not found on any proxy.\n", query)
		return
	}
	tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "player\t%s\n", result.PlayerID)
	fmt.Fprintf(tw, "server\t%s\n", result.ServerID)
	fmt.Fprintf(tw, "family\t%s\n", result.FamilyID)
	fmt.Fprintf(tw, "slot suffix\t%s\n", result.SlotSuffix)
	fmt.Fprintf(tw, "proxy\t%s\n", result.ProxyID)
	tw.Flush()
}

func (c *Console) provision(ctx context.Context, args []string, family string) {
	variant := ""
	count := 1
	rest := args
	if family == "" {
		if len(rest) == 0 {
			fmt.Fprintln(c.out, "usage: provisionslot <family> [variant] [count]")
			return
		}
		family = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			count = n
		} else {
			variant = rest[0]
			rest = rest[1:]
			if len(rest) > 0 {
				if n, err := strconv.Atoi(rest[0]); err == nil {
					count = n
				}
			}
		}
	}

	result := c.svc.Provisioner.Provision(ctx, provision.Request{
		FamilyID:     family,
		VariantID:    variant,
		DesiredCount: count,
		RequesterID:  "console",
	})
	fmt.Fprintf(c.out, "outcome: %s", result.Outcome)
	if result.Reason != "" {
		fmt.Fprintf(c.out, " (%s)", result.Reason)
	}
	fmt.Fprintln(c.out)
	if len(result.Slots) > 0 {
		tw := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SLOT\tSERVER\tSTATUS")
		for _, s := range result.Slots {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.SlotID, s.ServerID, s.Status)
		}
		tw.Flush()
		fmt.Fprintf(c.out, "token: %s\n", result.Token)
	}
}

func (c *Console) shutdownCmd(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: shutdown {all|family <env>|service <id>|cancel <intentId>} <seconds> [--reason ...] [--force]")
		return
	}

	mode := strings.ToLower(args[0])
	args = args[1:]

	if mode == "cancel" {
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: shutdown cancel <intentId>")
			return
		}
		if err := c.svc.Shutdown.CancelIntent(args[0], "console"); err != nil {
			c.printError(err, "check the intent id with status")
			return
		}
		fmt.Fprintln(c.out, "Shutdown cancelled.")
		return
	}

	var targets []shutdown.Target
	switch mode {
	case "all":
		for _, b := range c.svc.Backends.List() {
			targets = append(targets, shutdown.Target{ID: b.ID.String(), Kind: shutdown.TargetBackend})
		}
		for _, p := range c.svc.Proxies.List() {
			targets = append(targets, shutdown.Target{ID: p.ID.String(), Kind: shutdown.TargetProxy})
		}
	case "family":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: shutdown family <env> <seconds> [--reason ...] [--force]")
			return
		}
		for _, b := range c.svc.Backends.ListByRole(args[0]) {
			targets = append(targets, shutdown.Target{ID: b.ID.String(), Kind: shutdown.TargetBackend})
		}
		args = args[1:]
	case "service":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "usage: shutdown service <id> <seconds> [--reason ...] [--force]")
			return
		}
		kind := shutdown.TargetBackend
		if strings.HasPrefix(args[0], string(registry.KindProxy)) {
			kind = shutdown.TargetProxy
		}
		targets = append(targets, shutdown.Target{ID: args[0], Kind: kind})
		args = args[1:]
	default:
		fmt.Fprintf(c.out, "Unknown shutdown mode %q\n", mode)
		return
	}

	if len(args) == 0 {
		fmt.Fprintln(c.out, "Missing countdown seconds.")
		return
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Bad countdown %q\n", args[0])
		return
	}
	args = args[1:]

	reasonText := ""
	force := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			force = true
		case "--reason":
			reasonText = strings.Join(args[i+1:], " ")
			i = len(args)
		}
	}

	if len(targets) == 0 {
		fmt.Fprintln(c.out, "No matching targets.")
		return
	}
	intent, err := c.svc.Shutdown.CreateIntent(ctx, targets, seconds, reasonText, force)
	if err != nil {
		c.printError(err, "verify the targets still exist")
		return
	}
	fmt.Fprintf(c.out, "Shutdown intent %s scheduled: %d targets in %ds (force=%v)\n",
		intent.ID, len(targets), seconds, force)
}
