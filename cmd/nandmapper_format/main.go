package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	nandmapper "github.com/dsoprea/go-nandmapper"
)

type rootParameters struct {
	TotalBlocks  uint32 `short:"t" long:"total-blocks" description:"Total block count" required:"true"`
	PlanesPerDie uint32 `short:"p" long:"planes-per-die" description:"Planes per die" default:"2"`
	Seed         uint32 `short:"s" long:"seed" description:"Random allocator seed" default:"1"`
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

	phyMap := nandmapper.NewPhyMap(rootArguments.TotalBlocks, rootArguments.PlanesPerDie)

	fmt.Printf("formatted phymap: (%d) blocks free of (%d)\n", phyMap.CountFree(), rootArguments.TotalBlocks)

	_ = nandmapper.NewRandomBlockAllocator(rootArguments.Seed)
	fmt.Println("allocator seeded; ready for first allocation")
}
