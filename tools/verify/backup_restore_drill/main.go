package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getsafe360/saas-app/internal/persistence"
)

const (
	drillJobs  = 40
	drillTeam  = "backup-drill-team"
	drillGrant = int64(25000)
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "getsafe-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "getsafe.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if _, err := store.Grant(ctx, drillTeam, drillGrant); err != nil {
		fmt.Printf("grant_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < drillJobs; i++ {
		job, err := store.CreateJob(ctx, persistence.NewJob{
			Kind:     persistence.JobKindScan,
			OwnerID:  "backup-drill",
			TeamID:   drillTeam,
			SiteID:   fmt.Sprintf("site-%d", i),
			SpecJSON: fmt.Sprintf(`{"siteUrl":"https://backup-%d.invalid"}`, i),
		})
		if err != nil {
			fmt.Printf("create_job_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.ClaimJob(ctx, job.ID, "backup-drill", time.Minute); err != nil {
			fmt.Printf("claim_job_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.CompleteJob(ctx, job.ID, "backup-drill", "blob-"+job.ID); err != nil {
			fmt.Printf("complete_job_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o600); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.JobCounts(ctx)
	if err != nil {
		fmt.Printf("count_jobs_error=%v\n", err)
		os.Exit(1)
	}
	var eventCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM job_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}
	balance, err := restoreStore.Balance(ctx, drillTeam)
	if err != nil {
		fmt.Printf("balance_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_done_jobs=%d\n", counts.Done)
	fmt.Printf("restored_job_events=%d\n", eventCount)
	fmt.Printf("restored_balance=%d\n", balance)

	if counts.Done < drillJobs || eventCount == 0 || balance != drillGrant {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
