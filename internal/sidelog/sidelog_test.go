package sidelog_test

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/memgate/internal/sidelog"
)

func TestNewWriterPrefixesOrigin(t *testing.T) {
	var buf bytes.Buffer
	logger := sidelog.NewWriter(sidelog.OriginCloud, &buf)

	logger.Println("write failed")

	assert.True(t, strings.HasPrefix(buf.String(), "memgate/cloud: "), "got %q", buf.String())
	assert.Contains(t, buf.String(), "write failed")
}

func TestRedirectIsReversible(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetPrefix("before: ")
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(log.Default().Writer())
		log.SetPrefix("")
		log.SetFlags(log.LstdFlags)
	})

	restore := sidelog.Redirect()
	assert.Equal(t, sidelog.OriginServer+": ", log.Prefix())

	restore()
	assert.Equal(t, "before: ", log.Prefix())
	assert.Equal(t, 0, log.Flags())

	log.Println("after restore")
	assert.Contains(t, buf.String(), "after restore")
}
