//go:build darwin && cgo

package activeapp

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AppKit -framework Foundation

#include <AppKit/AppKit.h>
#include <string.h>

// frontmostApp copies the frontmost application's bundle identifier and
// localized name into the caller's buffers. Returns 0 when there is no
// frontmost application or it has neither identifier nor name.
static int frontmostApp(char *idBuf, int idCap, char *nameBuf, int nameCap) {
	@autoreleasepool {
		NSRunningApplication *app = [[NSWorkspace sharedWorkspace] frontmostApplication];
		if (app == nil) {
			return 0;
		}

		NSString *bundleID = [app bundleIdentifier];
		NSString *name = [app localizedName];
		if (bundleID == nil) {
			bundleID = name;
		}
		if (bundleID == nil) {
			return 0;
		}

		strlcpy(idBuf, [bundleID UTF8String], idCap);
		if (name != nil) {
			strlcpy(nameBuf, [name UTF8String], nameCap);
		} else {
			nameBuf[0] = '\0';
		}
		return 1;
	}
}
*/
import "C"

import (
	"strings"
	"unsafe"
)

type darwinQuerier struct{}

func newPlatformQuerier() frontmostQuerier {
	return darwinQuerier{}
}

func (darwinQuerier) queryFrontmost() *Context {
	var idBuf, nameBuf [512]C.char
	ok := C.frontmostApp(&idBuf[0], C.int(len(idBuf)), &nameBuf[0], C.int(len(nameBuf)))
	if ok == 0 {
		return nil
	}

	id := strings.TrimSpace(C.GoString((*C.char)(unsafe.Pointer(&idBuf[0]))))
	if id == "" {
		return nil
	}
	ctx := &Context{ID: id}
	if name := strings.TrimSpace(C.GoString((*C.char)(unsafe.Pointer(&nameBuf[0])))); name != "" {
		ctx.Name = &name
	}
	return ctx
}
