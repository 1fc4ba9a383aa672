// Package enrich scores scraped reviews, drafts template replies and masks
// personal data before results leave the process.
package enrich
