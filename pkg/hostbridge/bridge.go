package hostbridge

/*
#include <stdlib.h>
#include <stdio.h>
#include <string.h>
*/
import "C"
import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/geohunt/engine/internal/dispatcher"
)

// ArgSeparator splits a HuntCommand string into command and arguments.
const ArgSeparator = "|"

// called by the host to get the version of the library
//
//export HuntVersion
func HuntVersion(output *C.char, outputsize C.size_t) {
	reply(Version(), output, outputsize)
}

// called by the host with a single string, "command|arg1|arg2"
//
//export HuntCommand
func HuntCommand(output *C.char, outputsize C.size_t, input *C.char) {
	command, args := SplitCommand(C.GoString(input))
	reply(Call(command, args), output, outputsize)
}

// called by the host with a command and an argument vector
//
//export HuntCommandArgs
func HuntCommandArgs(output *C.char, outputsize C.size_t, input *C.char, argv **C.char, argc C.int) {
	command := C.GoString(input)
	reply(Call(command, parseArgsFromC(argv, argc)), output, outputsize)
}

// SplitCommand separates "command|arg1|arg2" into its parts.
func SplitCommand(input string) (string, []string) {
	parts := strings.Split(input, ArgSeparator)
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], parts[1:]
}

// Call dispatches command and formats the reply for the host.
func Call(command string, args []string) string {
	// Handle built-in timestamp command
	if command == ":TIMESTAMP:" {
		return formatDispatchResponse(command, getTimestamp(), nil)
	}

	d := GetDispatcher()
	if d == nil || !d.HasHandler(command) {
		return formatDispatchResponse(command, nil, fmt.Errorf("no handler registered for %s", command))
	}

	result, err := d.Dispatch(dispatcher.Event{
		Command:   command,
		Args:      args,
		Timestamp: time.Now(),
	})
	return formatDispatchResponse(command, result, err)
}

// parseArgsFromC converts C argv array to Go string slice
func parseArgsFromC(argv **C.char, argc C.int) []string {
	var offset = unsafe.Sizeof(uintptr(0))
	var data []string
	for index := C.int(0); index < argc; index++ {
		data = append(data, C.GoString(*argv))
		argv = (**C.char)(unsafe.Pointer(uintptr(unsafe.Pointer(argv)) + offset))
	}
	return data
}

// formatDispatchResponse formats the dispatcher result as a JSON array:
// ["ok"], ["ok", result] or ["error", message].
func formatDispatchResponse(command string, result any, err error) string {
	if err != nil {
		msg, _ := json.Marshal(err.Error())
		return fmt.Sprintf(`["error", %s]`, msg)
	}
	if result == nil {
		return `["ok"]`
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		msg, _ := json.Marshal(fmt.Sprintf("encode %s result: %v", command, merr))
		return fmt.Sprintf(`["error", %s]`, msg)
	}
	return fmt.Sprintf(`["ok", %s]`, data)
}

// reply copies response into the host's output buffer, truncating to
// outputsize.
func reply(response string, output *C.char, outputsize C.size_t) {
	if outputsize == 0 {
		return
	}
	result := C.CString(response)
	defer C.free(unsafe.Pointer(result))
	var size = C.strlen(result) + 1
	if size > outputsize {
		size = outputsize
	}
	C.memmove(unsafe.Pointer(output), unsafe.Pointer(result), size)
	// keep the buffer terminated when truncated
	*(*C.char)(unsafe.Pointer(uintptr(unsafe.Pointer(output)) + uintptr(size-1))) = 0
}

func getTimestamp() string {
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}
