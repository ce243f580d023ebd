package app

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// VERSION holds the version information with the following logic in mind
//  0 ... major, no stable http api yet
//  4 ... minor, incremented with every new pipeline stage
//  2 ... patch
//  the date after the + is the build date
//
// VERSION follows the syntax of semantic versioning as described in https://semver.org/
const (
	VERSION = "0.4.2+20241001"
	MODULE  = "physiokit"
)

// HandleVersion is the get application version web handler.
func (app *App) HandleVersion() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request version")

		return ctx.JSON(fiber.Map{
			"version":     VERSION,
			"description": MODULE,
			"about":       Version(),
		})
	}
}

// Version is the get application version as string.
func Version() string {
	return strings.TrimSpace(MODULE + " V" + strings.Split(VERSION, "+")[0])
}
