// Package incident is the business boundary for syncing Ekara alerts into an
// incident table. It defines the Service (create on Start, resolve on End),
// the Store, Identity and Notifier contracts, and the incident domain model.
package incident
