package smtpconn

import (
	"flag"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

var testPort string

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(outbox) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteSmtpPort
	os.Exit(m.Run())
}
