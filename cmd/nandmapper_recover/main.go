package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	nandmapper "github.com/dsoprea/go-nandmapper"
)

type rootParameters struct {
	Drive string `short:"d" long:"drive" description:"Drive role to recover: primary, secondary" required:"true"`
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

	var role nandmapper.SystemDriveRole

	switch rootArguments.Drive {
	case "primary":
		role = nandmapper.RolePrimary
	case "secondary":
		role = nandmapper.RoleSecondary
	default:
		log.Panicf("unrecognized drive role: %s", rootArguments.Drive)
	}

	fmt.Printf("this tool only validates the drive role; wire a real Drive and RedundancyManager to act on role (%v)\n", role)
}
