package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	nandmapper "github.com/dsoprea/go-nandmapper"
)

type rootParameters struct {
	Chips        int    `short:"c" long:"chips" description:"Number of chip selects" default:"1"`
	BlocksPerDie uint32 `short:"b" long:"blocks-per-die" description:"Blocks per die" default:"1024"`
	PlanesPerDie uint32 `short:"p" long:"planes-per-die" description:"Planes per die" default:"2"`
}

var rootArguments = new(rootParameters)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	chips := make([]nandmapper.ChipGeometry, rootArguments.Chips)
	for i := range chips {
		chips[i] = nandmapper.ChipGeometry{
			BaseAbsoluteBlock: nandmapper.AbsoluteBlock(uint32(i) * rootArguments.BlocksPerDie),
			TotalBlocks:       rootArguments.BlocksPerDie,
			BlocksPerDie:      rootArguments.BlocksPerDie,
		}
	}

	geometry := nandmapper.Geometry{
		PagesPerBlock: 128,
		PlanesPerDie:  rootArguments.PlanesPerDie,
		Chips:         chips,
	}

	totalBlocks := geometry.TotalBlocks()
	totalBytes := uint64(totalBlocks) * uint64(geometry.PagesPerBlock) * 2048

	fmt.Printf("chips: (%d)\n", len(geometry.Chips))
	fmt.Printf("total blocks: (%d)\n", totalBlocks)
	fmt.Printf("approximate raw capacity: %s\n", humanize.Bytes(totalBytes))
}
