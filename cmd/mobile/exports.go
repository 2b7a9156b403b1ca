// Command mobile builds the fitlog core as a C shared library for the
// Android and iOS apps. Every export returns a JSON string that the caller
// must release with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

func cstr(s string) *C.char { return C.CString(s) }

//export Init
func Init(payload *C.char) *C.char { return cstr(core.Init(C.GoString(payload))) }

//export Cleanup
func Cleanup() *C.char { return cstr(core.Cleanup()) }

//export GetLastError
func GetLastError() *C.char { return cstr(core.lastError()) }

//export StartServices
func StartServices() *C.char { return cstr(core.StartServices()) }

//export StopServices
func StopServices() *C.char { return cstr(core.StopServices()) }

//export Status
func Status() *C.char { return cstr(core.Status()) }

//export Health
func Health() *C.char { return cstr(core.Health()) }

//export Login
func Login(payload *C.char) *C.char { return cstr(core.Login(C.GoString(payload))) }

//export Logout
func Logout() *C.char { return cstr(core.Logout()) }

//export Sync
func Sync(priority *C.char, force C.int) *C.char {
	return cstr(core.Sync(C.GoString(priority), force != 0))
}

//export Decide
func Decide(priority *C.char) *C.char { return cstr(core.Decide(C.GoString(priority))) }

//export ReportConditions
func ReportConditions(payload *C.char) *C.char {
	return cstr(core.ReportConditions(C.GoString(payload)))
}

//export AppForeground
func AppForeground() *C.char { return cstr(core.Foreground()) }

//export AppBackground
func AppBackground() *C.char { return cstr(core.Background()) }

//export BackupCreate
func BackupCreate(payload *C.char) *C.char { return cstr(core.CreateBackup(C.GoString(payload))) }

//export BackupList
func BackupList() *C.char { return cstr(core.ListBackups()) }

//export BackupRestore
func BackupRestore(payload *C.char) *C.char { return cstr(core.Restore(C.GoString(payload))) }

//export EntityWrite
func EntityWrite(payload *C.char) *C.char { return cstr(core.Write(C.GoString(payload))) }

//export EntityList
func EntityList(entityType *C.char) *C.char { return cstr(core.List(C.GoString(entityType))) }

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
