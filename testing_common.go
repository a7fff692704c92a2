package nandmapper

// testGeometry returns a small, deterministic Geometry used across this
// package's tests: two chips, four blocks per die, two dice per chip, two
// planes per die.
func testGeometry() Geometry {
	return Geometry{
		PagesPerBlock: 4,
		PlanesPerDie:  2,
		Chips: []ChipGeometry{
			{
				BaseAbsoluteBlock:       0,
				TotalBlocks:             8,
				BlocksPerDie:            4,
				SupportsDieInterleaving: false,
			},
			{
				BaseAbsoluteBlock:       8,
				TotalBlocks:             8,
				BlocksPerDie:            4,
				SupportsDieInterleaving: true,
			},
		},
	}
}
