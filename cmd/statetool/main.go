// Command statetool inspects and upgrades the controller's persisted
// *_state snapshot files offline, applying pkg/statefile's best-effort
// upgrade chain without needing a running controller.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/quartzsched/quartz/pkg/statefile"
)

var (
	stateDir = flag.String("state-dir", "/var/lib/quartz/state", "controller state directory")
	family   = flag.String("family", "", "single family to process (default: all known families)")
	dryRun   = flag.Bool("dry-run", false, "report what would change without writing anything")
	noBackup = flag.Bool("no-backup", false, "skip writing a .bak copy before overwriting a file")
)

var allFamilies = []statefile.Family{
	statefile.FamilyJob,
	statefile.FamilyNode,
	statefile.FamilyPartition,
	statefile.FamilyReservation,
	statefile.FamilyAssociation,
	statefile.FamilyPriorityDecay,
	statefile.FamilyFederation,
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Quartz state tool")
	log.Println("=================")

	families := allFamilies
	if *family != "" {
		f, err := familyByName(*family)
		if err != nil {
			log.Fatalf("%v", err)
		}
		families = []statefile.Family{f}
	}

	var touched, upToDate, missing int
	for _, fam := range families {
		path := filepath.Join(*stateDir, string(fam))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing++
			continue
		}

		snap, err := statefile.Read(path)
		if err != nil {
			log.Fatalf("reading %s: %v", path, err)
		}

		if snap.Version >= statefile.CurrentVersion {
			log.Printf("%-24s v%d (current), %d records", fam, snap.Version, len(snap.Records))
			upToDate++
			continue
		}

		log.Printf("%-24s v%d -> v%d, %d records", fam, snap.Version, statefile.CurrentVersion, len(snap.Records))
		if *dryRun {
			touched++
			continue
		}

		upgraded, err := statefile.Upgrade(snap)
		if err != nil {
			log.Fatalf("upgrading %s: %v", path, err)
		}

		if !*noBackup {
			if err := copyFile(path, path+".bak"); err != nil {
				log.Fatalf("backing up %s: %v", path, err)
			}
		}
		if err := statefile.Write(path, upgraded.Family, upgraded.Records); err != nil {
			log.Fatalf("writing %s: %v", path, err)
		}
		log.Printf("✓ %s upgraded to v%d", fam, upgraded.Version)
		touched++
	}

	log.Printf("\n%d upgraded, %d already current, %d not present", touched, upToDate, missing)
	if *dryRun && touched > 0 {
		log.Println("Dry run: no files were modified.")
	}
}

func familyByName(name string) (statefile.Family, error) {
	for _, f := range allFamilies {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown family %q", name)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
