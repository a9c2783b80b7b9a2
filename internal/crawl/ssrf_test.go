package crawl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func guardWithIPs(ips map[string][]net.IP) *SSRFGuard {
	g := NewSSRFGuard(nil, nil)
	g.lookupIP = func(host string) ([]net.IP, error) {
		if addrs, ok := ips[host]; ok {
			return addrs, nil
		}
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return g
}

func TestSSRFGuard_RejectsPrivateTargets(t *testing.T) {
	t.Parallel()
	g := guardWithIPs(nil)

	for _, target := range []string{
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://[::1]/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/router",
		"http://172.16.3.4/",
		"http://169.254.169.254/latest/meta-data",
	} {
		assert.Error(t, g.Check(target), "target %s must be rejected", target)
	}
}

func TestSSRFGuard_RejectsDNSRebinding(t *testing.T) {
	t.Parallel()
	g := guardWithIPs(map[string][]net.IP{
		"evil.example.com": {net.ParseIP("10.1.2.3")},
	})
	assert.Error(t, g.Check("https://evil.example.com/page"))
}

func TestSSRFGuard_AllowsPublicHosts(t *testing.T) {
	t.Parallel()
	g := guardWithIPs(nil)
	assert.NoError(t, g.Check("https://example.com/article"))
}

func TestSSRFGuard_DomainLists(t *testing.T) {
	t.Parallel()
	g := guardWithIPs(nil)
	g.denyDomains = []string{"blocked.com"}
	assert.Error(t, g.Check("https://news.blocked.com/a"))
	assert.NoError(t, g.Check("https://example.com/a"))

	g2 := guardWithIPs(nil)
	g2.allowDomains = []string{"allowed.org"}
	assert.NoError(t, g2.Check("https://sub.allowed.org/a"))
	assert.Error(t, g2.Check("https://example.com/a"))
}
