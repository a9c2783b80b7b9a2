package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantFromKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "t1", tenantFromKey("media/t1/ab/abcdef.jpg"))
	assert.Equal(t, "default", tenantFromKey("media/default/00/0000.bin"))
	assert.Equal(t, "", tenantFromKey("media/"))
	assert.Equal(t, "", tenantFromKey("unrelated/key"))
}
