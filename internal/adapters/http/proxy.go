package http

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/simlabs/simbay/internal/core/domain"
)

// StreamProxy forwards /instances/:id/client/* to the slot's simulator HTTP
// endpoint so the browser streaming client is reachable behind one origin.
// Only the HTTP control surface is proxied; WebRTC media flows directly
// between the browser and the instance's signaling/native ports.
type StreamProxy struct {
	alloc        domain.PortAllocator
	maxInstances int
}

// NewStreamProxy builds a proxy over the deterministic port scheme. No
// runtime lookup is needed: a slot's HTTP port never changes.
func NewStreamProxy(alloc domain.PortAllocator, maxInstances int) *StreamProxy {
	return &StreamProxy{alloc: alloc, maxInstances: maxInstances}
}

// Forward proxies the request to the slot's HTTP port, stripping the
// /instances/:id/client prefix.
func (p *StreamProxy) Forward(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id < 0 || id >= p.maxInstances {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no such instance",
		})
	}

	target := p.alloc.PortsFor(id).HTTP
	remote := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", target)}
	rest := c.Params("*")

	proxy := httputil.NewSingleHostReverseProxy(remote)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = remote.Scheme
		req.URL.Host = remote.Host
		req.URL.Path = "/" + rest
		// The simulator's HTTP server expects a host it recognizes.
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "instance %d not reachable on port %d: %v", id, target, err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}
