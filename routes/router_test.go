package routes

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestStartServerUsesConfiguredPort(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Port 0 binds an ephemeral port, so the test never collides with a
	// running service.
	srv := StartServer(gin.New(), "0")
	assert.Equal(t, ":0", srv.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
