package domain

import (
	"fmt"
	"time"
)

// CompanyType mirrors the contract's company enum.
type CompanyType uint8

const (
	CompanyAgriculture CompanyType = iota
	CompanyManufacturing
	CompanyTechnology
	CompanyEnergy
)

var companyTypeNames = [...]string{"Agriculture", "Manufacturing", "Technology", "Energy"}

func (t CompanyType) String() string {
	if int(t) < len(companyTypeNames) {
		return companyTypeNames[t]
	}
	return fmt.Sprintf("CompanyType(%d)", uint8(t))
}

// Valid reports whether t is one of the known enum values.
func (t CompanyType) Valid() bool {
	return int(t) < len(companyTypeNames)
}

// CompanyRecord is the locally mirrored registration of a company wallet.
type CompanyRecord struct {
	ID        int64
	Name      string
	Wallet    string
	Type      CompanyType
	Threshold string
	TxHash    string
	CreatedAt time.Time
}

// CompanyInfo is what the contract returns for getCompany.
type CompanyInfo struct {
	Name       string `json:"name"`
	Wallet     string `json:"wallet"`
	Type       int    `json:"type"`
	Threshold  string `json:"threshold"`
	Registered bool   `json:"registered"`
}

// RegisterRequest is a caller's intent to register a company on chain.
type RegisterRequest struct {
	Name        string
	CompanyType CompanyType
	FromAddress string
	PrivateKey  string
}
