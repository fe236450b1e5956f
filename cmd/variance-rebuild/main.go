package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
)

// Recomputes stored variance fields and settlement totals. Rows written by an
// older release, or edited by hand, are repaired; correct rows are left alone.
func main() {
	organizationId := flag.String("organization", "", "Organization id (required)")
	settlementId := flag.Int("settlement", 0, "Settlement id; 0 rebuilds every settlement of the organization")
	actor := flag.String("actor", "system:variance-rebuild", "Actor recorded on audit entries")
	dryRun := flag.Bool("dry-run", false, "Only print the summaries, write nothing")
	check := flag.Bool("check", false, "Record drift in reconciliation_reports instead of repairing")
	flag.Parse()

	if strings.TrimSpace(*organizationId) == "" {
		fmt.Fprintln(os.Stderr, "-organization is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), strings.TrimSpace(*organizationId))
	ctx = utils.SetActorIdInContext(ctx, *actor)
	ctx = utils.SetCorrelationIdInContext(ctx, fmt.Sprintf("variance-rebuild-%d", time.Now().Unix()))

	ids := []int{*settlementId}
	if *settlementId == 0 {
		settlements, err := models.ListSettlements(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list settlements: %v\n", err)
			os.Exit(1)
		}
		ids = ids[:0]
		for _, s := range settlements {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "no settlements found")
		return
	}

	failed := 0
	for _, id := range ids {
		if *dryRun {
			summary, err := models.GetVarianceSummary(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "settlement %d: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("settlement %d: planned=%s actual=%s variance=%s net=%s\n",
				id, summary.TotalPlannedAmount, summary.TotalActualAmount, summary.TotalVarianceAmount, summary.NetAmount)
			continue
		}
		if *check {
			reports, err := models.RunDriftChecks(ctx, id, time.Now().UTC())
			if err != nil {
				fmt.Fprintf(os.Stderr, "settlement %d: %v\n", id, err)
				failed++
				continue
			}
			for _, r := range reports {
				fmt.Printf("settlement %d: %s %s#%d %s\n", id, r.CheckType, r.EntityType, r.EntityId, r.Details)
			}
			continue
		}
		changed, err := models.RecomputeSettlement(ctx, id, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "settlement %d: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("settlement %d: %d line items repaired\n", id, changed)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
