package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultsKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	require.Equal(t, "results/math-101/1700000000.json", ResultsKey("math-101", at))
	require.Equal(t, "results/etc/1700000000.json", ResultsKey("../../etc", at), "poll ids cannot escape the prefix")
}

func TestPresignExpire(t *testing.T) {
	require.Equal(t, 15*time.Minute, (&S3{}).PresignExpire())
	require.Equal(t, 5*time.Minute, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire())
}
