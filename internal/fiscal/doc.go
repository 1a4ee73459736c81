// Package fiscal defines the domain vocabulary shared by every fiscalsync
// subsystem: entities, periods, document classes, roles and document keys.
//
// Period keys are always rendered as MM-YYYY. The legacy YYYY-MM form is
// accepted by ParsePeriod for reading old state only; nothing in this module
// ever writes it.
package fiscal
