// Command adcring-inspect maps an adcring segment read-only and prints its
// header, cursors and fill level without disturbing either side.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/config"
	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	segment := flag.String("segment", "", "segment name (overrides the configuration)")
	watch := flag.Duration("watch", 0, "repeat every interval until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	name := cfg.Segment
	if *segment != "" {
		name = *segment
	}

	seg, err := shm.OpenSegment(name, 0, shm.ReadOnly)
	if err != nil {
		log.Fatalf("Failed to open segment: %v", err)
	}
	defer seg.Close()

	fmt.Printf("=== Segment Details ===\n")
	fmt.Printf("Name: %s\n", seg.Name)
	fmt.Printf("Path: %s\n", seg.Path)
	fmt.Printf("Mapped size: %d bytes\n", seg.Size())

	if err := shm.ValidateRingHeader(seg.Mem); err != nil {
		fmt.Printf("\nRing header invalid: %v\n", err)
		seg.Close()
		os.Exit(1)
	}

	ring, err := seg.AttachRing()
	if err != nil {
		log.Fatalf("Failed to attach ring: %v", err)
	}

	hdr := ring.Header()
	fmt.Printf("\n=== Ring Layout ===\n")
	fmt.Printf("Magic: %q\n", hdr.Magic())
	fmt.Printf("Version: %d\n", hdr.Version())
	fmt.Printf("Capacity: %d records (%d usable)\n", hdr.Capacity(), hdr.Capacity()-1)
	fmt.Printf("Samples per record: %d\n", hdr.Samples())
	fmt.Printf("Record size: %d bytes\n", shm.RecordSize)
	fmt.Printf("Declared size: %d bytes\n", hdr.Size())

	for {
		_, report := shm.DiagnoseBackpressure(ring)
		fmt.Printf("\n=== %s ===\n%s\n", time.Now().Format(time.TimeOnly), report)
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
	}
}
