// Command leadctl is an operational tool for the lead store. It opens the
// same sqlite database as the dialgrid service and answers the questions an
// operator asks mid-campaign: what would the dialer pick next, how are leads
// distributed by status, and which stale leads a recycle sweep would reset.
//
// Run it against a live data directory; sqlite WAL mode allows concurrent
// readers, and the mutating commands (recycle, dnc) go through the same
// optimistic-update paths as the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/dispatch"
)

const usage = `usage: leadctl [flags] <command> [args]

commands:
  stats    <campaign-id>        lead counts by status
  dialable <campaign-id> [n]    leads the dialer would select next (default 10)
  recycle  <campaign-id>        run the recycle sweep now
  dnc      <lead-id>            flag a lead do-not-call

flags:
`

func main() {
	dataDir := flag.String("data-dir", "data", "data directory holding dialgrid.db")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	db, err := database.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	leads := database.NewLeadRepository(db)
	campaigns := database.NewCampaignRepository(db)

	switch args[0] {
	case "stats":
		err = runStats(ctx, leads, args[1:])
	case "dialable":
		err = runDialable(ctx, leads, campaigns, logger, args[1:])
	case "recycle":
		err = runRecycle(ctx, leads, campaigns, logger, args[1:])
	case "dnc":
		err = runDNC(ctx, leads, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(ctx context.Context, leads database.LeadRepository, args []string) error {
	id, err := campaignArg(args)
	if err != nil {
		return err
	}
	counts, err := leads.CountByStatus(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	total := 0
	for _, status := range []string{
		models.LeadNew, models.LeadActive, models.LeadCalled, models.LeadAnswered,
		models.LeadNoAnswer, models.LeadBusy, models.LeadDisconnected,
		models.LeadCallback, models.LeadDNC, models.LeadCompleted, models.LeadInvalid,
	} {
		n := counts[status]
		total += n
		fmt.Fprintf(w, "%s\t%d\n", status, n)
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

func runDialable(ctx context.Context, leads database.LeadRepository, campaigns database.CampaignRepository, logger *slog.Logger, args []string) error {
	id, err := campaignArg(args)
	if err != nil {
		return err
	}
	n := 10
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil || n < 1 {
			return fmt.Errorf("bad count %q", args[1])
		}
	}
	camp, err := campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if camp == nil {
		return fmt.Errorf("campaign %d not found", id)
	}
	selected, err := dispatch.NewDispatcher(leads, logger).Select(ctx, camp, n)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		fmt.Println("no leads callable now")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "id\tphone\tstatus\tprio\tattempts\tlast_call")
	for _, l := range selected {
		last := "-"
		if l.LastCallAt != nil {
			last = l.LastCallAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n", l.ID, l.Phone, l.Status, l.Priority, l.Attempts, last)
	}
	return w.Flush()
}

func runRecycle(ctx context.Context, leads database.LeadRepository, campaigns database.CampaignRepository, logger *slog.Logger, args []string) error {
	id, err := campaignArg(args)
	if err != nil {
		return err
	}
	camp, err := campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if camp == nil {
		return fmt.Errorf("campaign %d not found", id)
	}
	reset, err := dispatch.NewDispatcher(leads, logger).Recycle(ctx, camp)
	if err != nil {
		return err
	}
	fmt.Printf("recycled %d leads\n", reset)
	return nil
}

func runDNC(ctx context.Context, leads database.LeadRepository, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("lead id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad lead id %q", args[0])
	}
	lead, err := leads.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if lead == nil {
		return fmt.Errorf("lead %d not found", id)
	}
	if lead.DNC {
		fmt.Printf("lead %d (%s) already flagged dnc\n", lead.ID, lead.Phone)
		return nil
	}
	lead.DNC = true
	lead.Status = models.LeadDNC
	if err := leads.Update(ctx, lead); err != nil {
		return err
	}
	fmt.Printf("lead %d (%s) flagged dnc\n", lead.ID, lead.Phone)
	return nil
}

func campaignArg(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("campaign id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad campaign id %q", args[0])
	}
	return id, nil
}
