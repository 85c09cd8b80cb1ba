package partdesc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device/partdesc"
)

func TestLoadBuiltinTables_ParsesKnownParts(t *testing.T) {
	nandParts, norParts, err := partdesc.LoadBuiltinTables()
	require.NoError(t, err)

	nand, err := nandParts.Lookup("MT29F1G08ABADA")
	require.NoError(t, err)
	assert.EqualValues(t, 2048, nand.PageSizeBytes)
	assert.EqualValues(t, 64, nand.SpareSizeBytes)
	assert.EqualValues(t, 64, nand.PagesPerBlock)
	assert.EqualValues(t, 1024, nand.BlockCount)
	assert.EqualValues(t, 528, nand.CodewordSize)
	assert.EqualValues(t, 4, nand.CorrectableBits)
	assert.EqualValues(t, 20, nand.MaxBadBlocks)

	nor, err := norParts.Lookup("S29GL064N")
	require.NoError(t, err)
	assert.EqualValues(t, 131072, nor.EraseBlockBytes)
	assert.EqualValues(t, 64, nor.EraseBlockCount)
}

func TestLookup_UnknownPart_Errors(t *testing.T) {
	nandParts, norParts, err := partdesc.LoadBuiltinTables()
	require.NoError(t, err)

	_, err = nandParts.Lookup("does-not-exist")
	assert.Error(t, err)

	_, err = norParts.Lookup("does-not-exist")
	assert.Error(t, err)
}
