// Package logging builds the zerolog logger used across the service.
//
// Components receive a zerolog.Logger value and add their own fields
// (component, session, producer). Nothing here touches the global logger.
package logging
