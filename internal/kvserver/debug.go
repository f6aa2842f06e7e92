package kvserver

import (
	"log"
	"os"
)

// set KV_DEBUG=1 to trace every request
var Debug = os.Getenv("KV_DEBUG") != ""

func DPrintf(format string, a ...interface{}) {
	if Debug {
		log.Printf(format, a...)
	}
}
