package sequence

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"exactly ten", "AAAAAAAAAA", false},
		{"sixteen", "GGGPGGGPGGGPGGGP", false},
		{"nine", "AAAAAAAAA", true},
		{"empty", "", true},
		{"whitespace padded short", "   AAAAA   \n", true},
		{"whitespace padded ok", "\n  AAAAAAAAAA  \n", false},
		{"fasta header counts", ">x\nAAAAAAA", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrTooShort)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResidues(t *testing.T) {
	in := ">Medium protein\nMVLSEGEWQL VLHVWAKVEA\n; comment\nDVAGHGQDIL\n"
	assert.Equal(t, "MVLSEGEWQLVLHVWAKVEADVAGHGQDIL", Residues(in))
}

func TestExceedsRecommended(t *testing.T) {
	assert.False(t, ExceedsRecommended(strings.Repeat("A", RecommendedMaxLength)))
	assert.True(t, ExceedsRecommended(strings.Repeat("A", RecommendedMaxLength+1)))
}

func TestParseFASTA(t *testing.T) {
	t.Run("multiple records", func(t *testing.T) {
		in := ">one\nAAAA\nCCCC\n\n>two\nGGGGGGGGGG\n"
		recs, err := ParseFASTA(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, Record{Header: "one", Residues: "AAAACCCC"}, recs[0])
		assert.Equal(t, Record{Header: "two", Residues: "GGGGGGGGGG"}, recs[1])
	})

	t.Run("bare sequence", func(t *testing.T) {
		recs, err := ParseFASTA(strings.NewReader("MKTIIALSYI\nFCLVFADYKD\n"))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Empty(t, recs[0].Header)
		assert.Equal(t, "MKTIIALSYIFCLVFADYKD", recs[0].Residues)
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ParseFASTA(strings.NewReader(">lonely\n"))
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseFASTA(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrEmptyInput)
	})
}

func TestRecord_Text(t *testing.T) {
	assert.Equal(t, "AAAA", Record{Residues: "AAAA"}.Text())
	assert.Equal(t, ">h\nAAAA", Record{Header: "h", Residues: "AAAA"}.Text())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.fasta"), ">a\nAAAAAAAAAA\n")
	writeFile(t, filepath.Join(root, "nested", "deep", "b.fasta"), ">b1\nCCCCCCCCCC\n>b2\nDDDDDDDDDD\n")
	writeFile(t, filepath.Join(root, "notes.txt"), "ignore me")

	srcs, err := Glob(root, "**/*.fasta")
	require.NoError(t, err)
	require.Len(t, srcs, 3)
	assert.Equal(t, "a", srcs[0].Record.Header)
	assert.Equal(t, "b1", srcs[1].Record.Header)
	assert.Equal(t, "b2", srcs[2].Record.Header)
	assert.Equal(t, filepath.Join(root, "nested", "deep", "b.fasta"), srcs[1].Path)
}

func TestGlob_InvalidPattern(t *testing.T) {
	_, err := Glob(t.TempDir(), "[")
	assert.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "seqs", "x.fasta"), ">x\nEEEEEEEEEE\n")
	batchPath := filepath.Join(root, "batch.yaml")
	writeFile(t, batchPath, `sequences:
  - name: short peptide
    sequence: GGGPGGGPGGGPGGGP
files:
  - seqs/*.fasta
`)

	srcs, err := LoadBatch(batchPath)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, "short peptide", srcs[0].Record.Header)
	assert.Equal(t, "GGGPGGGPGGGPGGGP", srcs[0].Record.Residues)
	assert.Equal(t, "x", srcs[1].Record.Header)
}

func TestLoadBatch_JSON(t *testing.T) {
	root := t.TempDir()
	batchPath := filepath.Join(root, "batch.json")
	writeFile(t, batchPath, `{"sequences":[{"header":"j","sequence":"AAAAAAAAAA"}]}`)

	srcs, err := LoadBatch(batchPath)
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "j", srcs[0].Record.Header)
}

func TestLoadBatch_Errors(t *testing.T) {
	root := t.TempDir()

	t.Run("missing sequence", func(t *testing.T) {
		p := filepath.Join(root, "bad.yaml")
		writeFile(t, p, "sequences:\n  - name: x\n")
		_, err := LoadBatch(p)
		assert.Error(t, err)
	})

	t.Run("empty batch", func(t *testing.T) {
		p := filepath.Join(root, "empty.yaml")
		writeFile(t, p, "sequences: []\n")
		_, err := LoadBatch(p)
		assert.True(t, errors.Is(err, ErrEmptyInput))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadBatch(filepath.Join(root, "nope.yaml"))
		assert.Error(t, err)
	})
}
