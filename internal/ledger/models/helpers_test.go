package models

import "nip05/pkg/domain"

func domainRef(s string) domain.InvoiceReference {
	return domain.InvoiceReference(s)
}
