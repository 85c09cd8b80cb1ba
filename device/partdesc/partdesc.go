// Package partdesc loads NAND/NOR physical part descriptor tables from CSV,
// the same gocsv-over-embedded-data pattern used for the floppy
// disk geometry table in disks/disks.go, generalized from disk geometries to
// flash part geometries.
package partdesc

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/ucfs/ucfs/errors"
)

// NANDPart is one row of the built-in NAND part table: page/block geometry
// and ECC requirements for a real NAND part number, the static counterpart
// to ONFI auto-detection (config.NANDPartONFI).
type NANDPart struct {
	PartNumber      string `csv:"part_number"`
	PageSizeBytes   uint   `csv:"page_size_bytes"`
	SpareSizeBytes  uint   `csv:"spare_size_bytes"`
	PagesPerBlock   uint   `csv:"pages_per_block"`
	BlockCount      uint   `csv:"block_count"`
	CodewordSize    uint   `csv:"codeword_size"`
	CorrectableBits uint   `csv:"correctable_bits"`
	MaxBadBlocks    uint   `csv:"max_bad_blocks"`
}

// NORPart is one row of the built-in NOR part table.
type NORPart struct {
	PartNumber      string `csv:"part_number"`
	EraseBlockBytes uint   `csv:"erase_block_bytes"`
	EraseBlockCount uint   `csv:"erase_block_count"`
}

//go:embed nand_parts.csv
var nandPartsCSV string

//go:embed nor_parts.csv
var norPartsCSV string

// NANDParts indexes the built-in NAND part table by part number. It is
// populated by LoadBuiltinTables, not package init, so a CSV error surfaces
// as a normal returned error instead of a panic.
type NANDParts map[string]NANDPart

// NORParts indexes the built-in NOR part table by part number.
type NORParts map[string]NORPart

// LoadBuiltinTables parses the part tables embedded at build time. Called
// once at suite startup; the result is typically held for the suite's
// lifetime.
func LoadBuiltinTables() (NANDParts, NORParts, error) {
	nandParts := make(NANDParts)
	err := gocsv.UnmarshalToCallback(strings.NewReader(nandPartsCSV), func(row NANDPart) error {
		if _, exists := nandParts[row.PartNumber]; exists {
			return fmt.Errorf("duplicate NAND part number %q", row.PartNumber)
		}
		nandParts[row.PartNumber] = row
		return nil
	})
	if err != nil {
		return nil, nil, errors.ErrFileSystemCorrupted.WrapError(err).WithMessage(
			"parsing built-in NAND part table")
	}

	norParts := make(NORParts)
	err = gocsv.UnmarshalToCallback(strings.NewReader(norPartsCSV), func(row NORPart) error {
		if _, exists := norParts[row.PartNumber]; exists {
			return fmt.Errorf("duplicate NOR part number %q", row.PartNumber)
		}
		norParts[row.PartNumber] = row
		return nil
	})
	if err != nil {
		return nil, nil, errors.ErrFileSystemCorrupted.WrapError(err).WithMessage(
			"parsing built-in NOR part table")
	}

	return nandParts, norParts, nil
}

func (p NANDParts) Lookup(partNumber string) (NANDPart, error) {
	part, ok := p[partNumber]
	if !ok {
		return NANDPart{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no NAND part descriptor for %q", partNumber))
	}
	return part, nil
}

func (p NORParts) Lookup(partNumber string) (NORPart, error) {
	part, ok := p[partNumber]
	if !ok {
		return NORPart{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no NOR part descriptor for %q", partNumber))
	}
	return part, nil
}
