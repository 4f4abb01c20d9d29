package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize ralph in the current directory",
	Long:  "Creates a .ralph/ directory with default config and database.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectDir()
	if err != nil {
		return err
	}

	// Check if already initialized.
	if store.Exists(dir) {
		return fmt.Errorf("ralph already initialized in this directory (%s/ exists)", store.DirName)
	}

	if err := store.Init(dir); err != nil {
		return err
	}

	// Write default config.
	if err := config.Save(store.ConfigPath(dir), config.DefaultConfig()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Create database by opening store (migration runs automatically).
	s, err := store.Open(dir)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	s.Close()

	if err := ignoreStateDir(dir); err != nil {
		fmt.Printf("%sCould not update .gitignore: %v%s\n", colorYellow, err, colorReset)
	}

	fmt.Printf("Initialized ralph in %s/\n", store.DirName)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to add your feedback loops\n", filepath.Join(store.DirName, store.ConfigFile))
	fmt.Println("  2. Run: ralph plan \"your idea\"  (or: ralph task create \"title\")")
	fmt.Println("  3. Run: ralph battle start <task-id>")

	return nil
}

// ignoreStateDir adds the state directory to .gitignore so battles never
// commit their own database.
func ignoreStateDir(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	entry := store.DirName + "/"

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if l := strings.TrimSpace(line); l == entry || l == store.DirName {
			return nil
		}
	}

	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(entry + "\n")
	return os.WriteFile(path, []byte(b.String()), 0644)
}
