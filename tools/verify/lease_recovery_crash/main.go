// Command lease_recovery_crash drills lease expiry for a worker that dies
// mid-job. Run prepare, then claim-sleep and kill it, then recover once the
// lease has lapsed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsafe360/saas-app/internal/persistence"
)

const (
	drillTeam  = "crash-drill-team"
	drillOwner = "crash-drill"
	drillLease = 2 * time.Second
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		job, err := store.CreateJob(ctx, persistence.NewJob{
			Kind:     persistence.JobKindScan,
			OwnerID:  drillOwner,
			TeamID:   drillTeam,
			SiteID:   "crash-drill-site",
			SpecJSON: `{"siteUrl":"https://crash-drill.invalid"}`,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create job: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_JOB_ID=%s\n", job.ID)
	case "claim-sleep":
		job, err := store.ClaimNextJob(ctx, drillOwner, drillLease)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim job: %v\n", err)
			os.Exit(1)
		}
		if job == nil {
			fmt.Fprintln(os.Stderr, "no claimable job")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_JOB_ID=%s\n", job.ID)
		fmt.Printf("LEASE_OWNER=%s\n", job.LeaseOwner)
		// Never heartbeat; the drill kills this process.
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		time.Sleep(drillLease + 500*time.Millisecond)
		expired, err := store.ExpireLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "expire leases: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("EXPIRED=%d\n", len(expired))
		for _, job := range expired {
			fmt.Printf("JOB_STATUS id=%s status=%s error=%q\n", job.ID, job.Status, job.ErrorMessage)
		}
		counts, err := store.JobCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job counts: %v\n", err)
			os.Exit(1)
		}
		if counts.Running == 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Printf("VERDICT FAIL: %d jobs still running after lease expiry\n", counts.Running)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
