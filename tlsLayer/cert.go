package tlsLayer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/biter777/countries"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

var ErrCAFileWrong = errors.New("ca file is somehow wrong")

type CertConf struct {
	CA                string
	CertFile, KeyFile string
}

func LoadCA(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, utils.ErrNilParameter
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "read ca file failed", ErrDetail: err, Data: caFile}
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(data) {
		return nil, ErrCAFileWrong
	}
	return cp, nil
}

// randomSubject 随机选一个国家 和 一个单词 作为 证书的 subject, 让 自签名证书 看起来 不那么 千篇一律.
func randomSubject() pkix.Name {
	all := countries.All()
	serial, _ := rand.Int(rand.Reader, big.NewInt(int64(len(all))))
	country := all[serial.Int64()]
	company := utils.GetRandomWord()

	if ce := utils.CanLogDebug("random cert subject"); ce != nil {
		ce.Write(zap.String("country", country.Info().Name), zap.String("company", company))
	}
	return pkix.Name{
		Country:      []string{country.Alpha2()},
		Province:     []string{country.Capital().String()},
		Organization: []string{company},
		CommonName:   "www." + company + ".com",
	}
}

// GenerateRandomCertKey 使用 ecc p256 生成 自签名 证书与私钥 (pem格式).
// 证书 对 localhost, 127.0.0.1 以及 给出的 hosts (ip 或 域名) 有效.
func GenerateRandomCertKey(hosts ...string) (certPEM []byte, keyPEM []byte, err error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      randomSubject(),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return
	}
	kb, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb})
	return
}

// GenerateRandomTLSCert 调用 GenerateRandomCertKey, 返回 可直接放入 tls.Config 的证书.
func GenerateRandomTLSCert(hosts ...string) ([]tls.Certificate, error) {
	cb, kb, err := GenerateRandomCertKey(hosts...)
	if err != nil {
		return nil, err
	}
	tlsCert, err := tls.X509KeyPair(cb, kb)
	if err != nil {
		return nil, err
	}
	return []tls.Certificate{tlsCert}, nil
}

// GenerateRandomCertKeyFiles 生成随机证书 并写入 cfn 与 kfn.
func GenerateRandomCertKeyFiles(cfn, kfn string, hosts ...string) error {
	cb, kb, err := GenerateRandomCertKey(hosts...)
	if err != nil {
		return err
	}
	if err = os.WriteFile(cfn, cb, 0644); err != nil {
		return err
	}
	return os.WriteFile(kfn, kb, 0600)
}

// 若 certFile, keyFile 有一项没给出，则会 为 hosts 自动生成随机证书; 文件加载失败时 返回错误.
func loadCerts(cc CertConf, hosts ...string) ([]tls.Certificate, error) {
	if cc.CertFile == "" || cc.KeyFile == "" {
		utils.Info("tls cert or key file not given, generating random cert in memory")
		return GenerateRandomTLSCert(hosts...)
	}

	cert, err := tls.LoadX509KeyPair(cc.CertFile, cc.KeyFile)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "load cert/key failed", ErrDetail: err, Data: cc.CertFile}
	}
	return []tls.Certificate{cert}, nil
}
