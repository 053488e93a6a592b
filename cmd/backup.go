package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-relayer/core/backup"
	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
)

var (
	backupDir        string
	periodicInterval int
	dbPath           string
	restoreFile      string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup relayer data",
		Long: `Backup the relayer's BadgerDB data to a specified directory.

The backup command can run either as a one-time backup or as a periodic backup process.
Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm/
Use --db-path to specify the BadgerDB directory to backup.
Use --dir to specify where to store the backups.
Use --interval to enable periodic backups (value in minutes, 0 means one-time backup).`,
		Run: func(cmd *cobra.Command, args []string) {
			runBackup(dbPath, backupDir, periodicInterval)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore relayer data from backup",
		Long: `Restore the relayer's BadgerDB data from a backup file.

Use --db-path to specify the BadgerDB directory to restore to.
Use --file to specify the backup file to restore from.`,
		Run: func(cmd *cobra.Command, args []string) {
			runRestore(dbPath, restoreFile)
		},
	}
)

func runBackup(dbPath, backupDir string, intervalMinutes int) {
	fmt.Printf("Starting backup. DB path: %s, Backup directory: %s\n", dbPath, backupDir)

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		fmt.Printf("Failed to create backup directory: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	svc := backup.NewService(logger.NewNoOpLogger(), db, backupDir)

	if intervalMinutes == 0 {
		backupFile, err := svc.PerformBackup()
		if err != nil {
			fmt.Printf("Backup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup completed successfully to %s\n", backupFile)
		return
	}

	fmt.Printf("Setting up periodic backup every %d minutes\n", intervalMinutes)
	if _, err := svc.PerformBackup(); err != nil {
		fmt.Printf("Initial backup failed: %v\n", err)
		os.Exit(1)
	}

	if err := svc.StartPeriodicBackup(time.Duration(intervalMinutes) * time.Minute); err != nil {
		fmt.Printf("Cannot start periodic backup: %v\n", err)
		os.Exit(1)
	}
	select {}
}

func runRestore(dbPath, restoreFile string) {
	fmt.Printf("Starting restore. DB path: %s, Restore file: %s\n", dbPath, restoreFile)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		fmt.Printf("Failed to create DB directory: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	svc := backup.NewService(logger.NewNoOpLogger(), db, backupDir)
	if err := svc.Restore(restoreFile); err != nil {
		fmt.Printf("Restore operation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Restore completed successfully\n")
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "Directory to store backups")
	backupCmd.Flags().IntVar(&periodicInterval, "interval", 0, "Run backups periodically (minutes, 0 for one-time)")
	backupCmd.MarkFlagRequired("db-path")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	restoreCmd.MarkFlagRequired("db-path")
	restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
